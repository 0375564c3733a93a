package applets

import (
	"github.com/gregLibert/secure-element/pkg/card"
)

// InsActiveAID asks the echo application for the AID of the active context.
const InsActiveAID byte = 0x10

// Echo returns the data of every command it receives. It accepts extended length.
type Echo struct{}

// NewEcho is the echo module factory. Install parameters are ignored.
func NewEcho(reg *card.Registrar, _ []byte) error {
	return reg.Register(&Echo{})
}

func (*Echo) Select(*card.Context) bool    { return true }
func (*Echo) Deselect(*card.Context)       {}
func (*Echo) SupportsExtendedLength() bool { return true }

func (*Echo) Process(ctx *card.Context) error {
	if ctx.Selecting() {
		return nil
	}

	apdu := ctx.APDU()
	if apdu.Buffer()[1] == InsActiveAID {
		return apdu.SendLong(ctx.ActiveAID().Bytes())
	}

	data, err := apdu.ReceiveAll()
	if err != nil {
		return err
	}
	return apdu.SendLong(data)
}
