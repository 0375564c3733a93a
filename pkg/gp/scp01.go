package gp

import (
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// SCP01 is the card side of an SCP01-style secure channel. It authenticates the host but
// does not implement secure messaging: Unwrap and Wrap always fail.
type SCP01 struct {
	session
}

// NewSCP01 creates an SCP01 channel.
func NewSCP01(cfg Config) (*SCP01, error) {
	s, err := newSession(0x01, cfg)
	if err != nil {
		return nil, err
	}
	return &SCP01{session: s}, nil
}

// ProcessSecurity handles INITIALIZE UPDATE and EXTERNAL AUTHENTICATE.
func (c *SCP01) ProcessSecurity(ctx *card.Context) (int, error) {
	apdu := ctx.APDU()
	switch apdu.Buffer()[1] {
	case InsInitializeUpdate:
		return c.initializeUpdate(apdu, c.begin)
	case InsExternalAuthenticate:
		return 0, c.externalAuthenticate(apdu)
	default:
		return 0, card.Fail(iso7816.SW_ERR_INS_INVALID, "not a security command")
	}
}

func (c *SCP01) begin(host []byte) ([]byte, error) {
	challenge := make([]byte, 8)
	if err := c.prim.Random(challenge); err != nil {
		return nil, err
	}

	var err error
	if c.encKey, err = deriveSCP01(c.prim, c.keys.ENC, host, challenge); err != nil {
		return nil, err
	}
	if c.macKey, err = deriveSCP01(c.prim, c.keys.MAC, host, challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// externalAuthenticate checks the host cryptogram. A trailing C-MAC, if present, is not
// verified and the requested level in P1 is ignored.
func (c *SCP01) externalAuthenticate(apdu *card.APDU) error {
	n, err := apdu.SetIncomingAndReceive()
	if err != nil {
		return err
	}
	if n != 8 && n != 16 {
		return card.Failf(iso7816.SW_ERR_WRONG_LENGTH, "EXTERNAL AUTHENTICATE data is %d bytes", n)
	}

	off := apdu.DataOffset()
	if err := c.verifyHostCryptogram(apdu.Buffer()[off : off+8]); err != nil {
		return err
	}

	c.level = LevelAuthenticated
	c.hostChallenge, c.cardChallenge = nil, nil
	c.logger.Info("secure channel open", "level", c.level.String())
	return nil
}

// Unwrap always fails: SCP01 secure messaging is not supported.
func (c *SCP01) Unwrap(cmd []byte) (int, error) {
	return 0, card.Fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "SCP01 secure messaging not supported")
}

// Wrap always fails: SCP01 secure messaging is not supported.
func (c *SCP01) Wrap(resp []byte) (int, error) {
	return 0, card.Fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "SCP01 secure messaging not supported")
}
