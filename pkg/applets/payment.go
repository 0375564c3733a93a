package applets

import (
	"encoding/binary"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/emv"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

const (
	// InsGetProcessingOptions is the EMV GET PROCESSING OPTIONS instruction.
	InsGetProcessingOptions byte = 0xA8

	// DefaultPaymentLabel is used when no label is given at install time.
	DefaultPaymentLabel = "PAYMENT"
)

// Payment is an EMV payment application stub. It answers SELECT with an FCI,
// GET DATA for its Application Transaction Counter and GET PROCESSING OPTIONS,
// which increments the counter atomically.
type Payment struct {
	label []byte
	atc   uint16
}

// NewPayment is the payment module factory. The install parameters are the
// application label.
func NewPayment(reg *card.Registrar, block []byte) error {
	ib, err := card.ParseInstallBlock(block)
	if err != nil {
		return err
	}
	label := []byte(DefaultPaymentLabel)
	if len(ib.Params) > 0 {
		label = append([]byte(nil), ib.Params...)
	}
	return reg.Register(&Payment{label: label})
}

func (*Payment) Select(*card.Context) bool { return true }
func (*Payment) Deselect(*card.Context)    {}

// ATC returns the current transaction counter.
func (p *Payment) ATC() uint16 { return p.atc }

func (p *Payment) Process(ctx *card.Context) error {
	apdu := ctx.APDU()
	if ctx.Selecting() {
		fci := emv.FCI{
			DFName: ctx.AID().Bytes(),
			ProprietaryTemplate: emv.FCIProprietaryTemplate{
				ApplicationLabel:             p.label,
				ApplicationPriorityIndicator: []byte{0x01},
			},
		}
		out, err := fci.Encode()
		if err != nil {
			return err
		}
		return apdu.SendLong(out)
	}

	buf := apdu.Buffer()
	switch {
	case iso7816.InsCode(buf[1]) == iso7816.INS_GET_DATA:
		return p.getData(apdu, binary.BigEndian.Uint16(buf[2:4]))
	case buf[1] == InsGetProcessingOptions:
		return p.processingOptions(ctx)
	default:
		return card.Failf(iso7816.SW_ERR_INS_INVALID, "INS %02X", buf[1])
	}
}

func (p *Payment) getData(apdu *card.APDU, tag uint16) error {
	if tag != 0x9F36 {
		return card.Failf(iso7816.SW_ERR_REF_DATA_NOT_FOUND, "GET DATA %04X", tag)
	}
	return p.sendCounter(apdu, false)
}

func (p *Payment) processingOptions(ctx *card.Context) error {
	if _, err := ctx.APDU().SetIncomingAndReceive(); err != nil {
		return err
	}

	if err := ctx.BeginTransaction(); err != nil {
		return err
	}
	previous := p.atc
	if err := ctx.OnAbort(func() { p.atc = previous }); err != nil {
		return err
	}
	if p.atc == 0xFFFF {
		return card.Fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "transaction counter exhausted")
	}
	p.atc++
	if err := ctx.CommitTransaction(); err != nil {
		return err
	}
	return p.sendCounter(ctx.APDU(), true)
}

// sendCounter answers with 9F36, wrapped in a response template '77' for GPO.
func (p *Payment) sendCounter(apdu *card.APDU, template bool) error {
	counter := bertlv.NewTag("9F36", binary.BigEndian.AppendUint16(nil, p.atc))
	packet := counter
	if template {
		packet = bertlv.NewComposite("77", counter)
	}
	out, err := bertlv.Encode([]bertlv.TLV{packet})
	if err != nil {
		return err
	}
	return apdu.SendLong(out)
}
