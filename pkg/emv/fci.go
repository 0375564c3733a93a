package emv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// FILE CONTROL INFORMATION (FCI) Logic according to EMV (Europay, Mastercard, Visa).

// FCI represents the EMV-specific File Control Information returned in response to a SELECT command.
type FCI struct {
	DFName              []byte                 `tlv:"84"`
	ProprietaryTemplate FCIProprietaryTemplate `tlv:"A5"`
}

// FCIProprietaryTemplate contains the issuer-specific data found in tag 'A5'.
type FCIProprietaryTemplate struct {
	ApplicationLabel []byte `tlv:"50"`

	// Optional EMV fields
	ApplicationPriorityIndicator []byte `tlv:"87"`
	SFI                          []byte `tlv:"88"`
	PDOL                         []byte `tlv:"9F38"`
	LanguagePreference           []byte `tlv:"5F2D"`
	IssuerCodeTableIndex         []byte `tlv:"9F11"`
	ApplicationPreferredName     []byte `tlv:"9F12"`

	IssuerDiscretionaryData *FCIIssuerDiscretionaryData `tlv:"BF0C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FCIIssuerDiscretionaryData represents the discretionary data (Tag 'BF0C') which often contains specific bank or country information.
type FCIIssuerDiscretionaryData struct {
	LogEntry                           []byte `tlv:"9F4D"`
	IssuerIdentificationNumberExtended []byte `tlv:"9F0C"`
	IssuerCountryCodeAlpha3            []byte `tlv:"5F56"`
	IssuerCountryCodeAlpha2            []byte `tlv:"5F55"`
	BankIdentifierCode                 []byte `tlv:"5F54"`
	IBAN                               []byte `tlv:"5F53"`
	IssuerURL                          []byte `tlv:"5F50"`
	IssuerIdentificationNumber         []byte `tlv:"42"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseFCI interprets raw byte data as an EMV FCI structure.
func ParseFCI(data []byte) (*FCI, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data cannot be parsed")
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	var processingPackets []bertlv.TLV

	if len(packets) > 0 && strings.EqualFold(packets[0].Tag, "6F") {
		processingPackets = packets[0].TLVs
	} else {
		processingPackets = packets
	}

	fci := &FCI{}
	if err := tlv.UnmarshalFromPackets(processingPackets, fci); err != nil {
		return nil, fmt.Errorf("failed to map structure: %w", err)
	}

	return fci, nil
}

// SFI returns the short file identifier of the directory elementary file, or 0.
func (f *FCI) SFI() byte {
	if len(f.ProprietaryTemplate.SFI) == 0 {
		return 0
	}
	return f.ProprietaryTemplate.SFI[0]
}

// Encode builds the FCI template (Tag '6F') an application returns on selection.
// Empty fields are skipped and issuer discretionary data (BF0C) is not emitted.
func (f *FCI) Encode() ([]byte, error) {
	if len(f.DFName) == 0 {
		return nil, fmt.Errorf("FCI without DF name")
	}

	p := f.ProprietaryTemplate
	proprietary := optionalTags(
		field{"50", p.ApplicationLabel},
		field{"87", p.ApplicationPriorityIndicator},
		field{"88", p.SFI},
		field{"9F38", p.PDOL},
		field{"5F2D", p.LanguagePreference},
		field{"9F12", p.ApplicationPreferredName},
	)

	fields := []bertlv.TLV{bertlv.NewTag("84", f.DFName)}
	if len(proprietary) > 0 {
		fields = append(fields, bertlv.NewComposite("A5", proprietary...))
	}
	return bertlv.Encode([]bertlv.TLV{bertlv.NewComposite("6F", fields...)})
}

type field struct {
	tag   string
	value []byte
}

// optionalTags encodes the non-empty fields as primitive tags.
func optionalTags(fields ...field) []bertlv.TLV {
	var out []bertlv.TLV
	for _, f := range fields {
		if len(f.value) > 0 {
			out = append(out, bertlv.NewTag(f.tag, f.value))
		}
	}
	return out
}
