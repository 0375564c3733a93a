package applets

import (
	"fmt"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/emv"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// DirectorySFI is the short file identifier of the PSE directory file.
const DirectorySFI byte = 0x01

// PSE is a Payment System Environment: selecting it returns an FCI pointing at a
// directory file, whose records each hold one application template.
type PSE struct {
	records []bertlv.TLV
}

// NewPSE is the PSE module factory. The install parameters are the concatenated
// application templates ('61'), one per record.
func NewPSE(reg *card.Registrar, block []byte) error {
	ib, err := card.ParseInstallBlock(block)
	if err != nil {
		return err
	}

	p := &PSE{}
	if len(ib.Params) > 0 {
		packets, err := bertlv.Decode(ib.Params)
		if err != nil {
			return fmt.Errorf("pse parameters: %w", err)
		}
		for _, t := range packets {
			if t.Tag != "61" {
				return fmt.Errorf("pse parameters: unexpected tag %s", t.Tag)
			}
			p.records = append(p.records, t)
		}
	}
	return reg.Register(p)
}

// PSEParams encodes application templates as PSE install parameters.
func PSEParams(apps ...emv.ApplicationTemplate) ([]byte, error) {
	packets := make([]bertlv.TLV, 0, len(apps))
	for _, app := range apps {
		t, err := app.Encode()
		if err != nil {
			return nil, err
		}
		packets = append(packets, t)
	}
	return bertlv.Encode(packets)
}

func (*PSE) Select(*card.Context) bool { return true }
func (*PSE) Deselect(*card.Context)    {}

func (p *PSE) Process(ctx *card.Context) error {
	apdu := ctx.APDU()
	if ctx.Selecting() {
		fci := emv.FCI{
			DFName:              ctx.AID().Bytes(),
			ProprietaryTemplate: emv.FCIProprietaryTemplate{SFI: []byte{DirectorySFI}},
		}
		out, err := fci.Encode()
		if err != nil {
			return err
		}
		return apdu.SendLong(out)
	}

	buf := apdu.Buffer()
	if iso7816.InsCode(buf[1]) != iso7816.INS_READ_RECORD {
		return card.Failf(iso7816.SW_ERR_INS_INVALID, "INS %02X", buf[1])
	}
	return p.readRecord(apdu, buf[2], buf[3])
}

func (p *PSE) readRecord(apdu *card.APDU, number, p2 byte) error {
	if p2&0x07 != byte(iso7816.RefByNum_ReadP1) {
		return card.Failf(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2, "READ RECORD P2 %02X", p2)
	}
	if sfi := p2 >> 3; sfi != DirectorySFI {
		return card.Failf(iso7816.SW_ERR_FILE_NOT_FOUND, "SFI %d", sfi)
	}
	if number == 0 || int(number) > len(p.records) {
		return card.Failf(iso7816.SW_ERR_RECORD_NOT_FOUND, "record %d of %d", number, len(p.records))
	}

	out, err := bertlv.Encode([]bertlv.TLV{bertlv.NewComposite("70", p.records[number-1])})
	if err != nil {
		return err
	}
	return apdu.SendLong(out)
}
