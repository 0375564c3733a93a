package emv

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/tlv"
	"github.com/moov-io/bertlv"
)

type DirectoryDiscretionaryTemplate struct {
	ApplicationSelectionRegisteredProprietaryData []byte `tlv:"9F0A"`
	IssuerCountryCodeAlpha3                       []byte `tlv:"5F56"`
	IssuerCountryCodeAlpha2                       []byte `tlv:"5F55"`
	BankIdentifierCode                            []byte `tlv:"5F54"`
	IBAN                                          []byte `tlv:"5F53"`
	IssuerURL                                     []byte `tlv:"5F50"`
	IssuerIdentificationNumber                    []byte `tlv:"42"`
	IssuerIdentificationNumberExtended            []byte `tlv:"9F0C"`
	LogEntry                                      []byte `tlv:"9F4D"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ApplicationTemplate (Tag '61') represents an entry in the Payment System Directory.
// It contains the necessary information to select a specific application.
type ApplicationTemplate struct {
	AID                          []byte                         `tlv:"4F"` // Mandatory
	ApplicationLabel             []byte                         `tlv:"50"` // Mandatory
	ApplicationPriorityIndicator []byte                         `tlv:"87"`
	DirectoryDiscretionaryData   DirectoryDiscretionaryTemplate `tlv:"73"`
	ApplicationPreferredName     []byte                         `tlv:"9F12"`
	DDFName                      []byte                         `tlv:"9D"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// Encode returns the application template as a '61' TLV.
func (a ApplicationTemplate) Encode() (bertlv.TLV, error) {
	if len(a.AID) == 0 {
		return bertlv.TLV{}, fmt.Errorf("application template without AID")
	}
	fields := append([]bertlv.TLV{bertlv.NewTag("4F", a.AID)}, optionalTags(
		field{"50", a.ApplicationLabel},
		field{"87", a.ApplicationPriorityIndicator},
		field{"9F12", a.ApplicationPreferredName},
		field{"9D", a.DDFName},
	)...)
	return bertlv.NewComposite("61", fields...), nil
}

// DirectoryRecord represents the content of a record read from the PSE SFI.
// It is wrapped in a Record Template (Tag '70').
type DirectoryRecord struct {
	// A record can technically contain multiple application templates
	Applications []ApplicationTemplate `tlv:"61"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseDirectoryRecord interprets raw bytes from a READ RECORD command as EMV directory data.
func ParseDirectoryRecord(data []byte) (*DirectoryRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty record data")
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	// The record must be wrapped in Tag '70'
	var processingPackets []bertlv.TLV
	if len(packets) > 0 && strings.EqualFold(packets[0].Tag, "70") {
		processingPackets = packets[0].TLVs
	} else {
		return nil, fmt.Errorf("missing mandatory Record Template (Tag 70)")
	}

	record := &DirectoryRecord{}
	if err := tlv.UnmarshalFromPackets(processingPackets, record); err != nil {
		return nil, fmt.Errorf("failed to map directory record: %w", err)
	}

	return record, nil
}

// Encode builds the record template (Tag '70') holding every application template.
func (r *DirectoryRecord) Encode() ([]byte, error) {
	if len(r.Applications) == 0 {
		return nil, fmt.Errorf("directory record without application")
	}
	entries := make([]bertlv.TLV, 0, len(r.Applications))
	for i, app := range r.Applications {
		entry, err := app.Encode()
		if err != nil {
			return nil, fmt.Errorf("application %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return bertlv.Encode([]bertlv.TLV{bertlv.NewComposite("70", entries...)})
}
