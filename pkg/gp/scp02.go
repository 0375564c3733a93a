package gp

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// SCP02 is the card side of an SCP02-style secure channel. Session keys are derived from
// a sequence counter that survives resets and is incremented by every successful
// EXTERNAL AUTHENTICATE.
type SCP02 struct {
	session
	seq uint16
}

// NewSCP02 creates an SCP02 channel.
func NewSCP02(cfg Config) (*SCP02, error) {
	s, err := newSession(0x02, cfg)
	if err != nil {
		return nil, err
	}
	return &SCP02{session: s, seq: cfg.SequenceCounter}, nil
}

// SequenceCounter returns the current sequence counter.
func (c *SCP02) SequenceCounter() uint16 {
	return c.seq
}

// ProcessSecurity handles INITIALIZE UPDATE and EXTERNAL AUTHENTICATE.
func (c *SCP02) ProcessSecurity(ctx *card.Context) (int, error) {
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

func (c *SCP02) begin(host []byte) ([]byte, error) {
	challenge := make([]byte, 8)
	binary.BigEndian.PutUint16(challenge, c.seq)
	if err := c.prim.Random(challenge[2:]); err != nil {
		return nil, err
	}

	var err error
	for _, k := range []struct {
		dst      *[]byte
		static   []byte
		constant [2]byte
	}{
		{&c.encKey, c.keys.ENC, constENC},
		{&c.macKey, c.keys.MAC, constCMAC},
		{&c.rmacKey, c.keys.MAC, constRMAC},
		{&c.dekKey, c.keys.DEK, constDEK},
	} {
		if *k.dst, err = deriveSCP02(c.prim, k.static, k.constant, c.seq); err != nil {
			return nil, err
		}
	}
	return challenge, nil
}

func (c *SCP02) externalAuthenticate(apdu *card.APDU) error {
	buf := apdu.Buffer()
	if iso7816.WithoutChannel(buf[0]) != ClaGPSecured {
		return card.Fail(iso7816.SW_ERR_CLA_NOT_SUPPORTED, "EXTERNAL AUTHENTICATE needs CLA 84")
	}
	requested := Level(buf[2])
	if !requested.Valid() {
		return card.Failf(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2, "invalid security level %02X", buf[2])
	}

	n, err := apdu.SetIncomingAndReceive()
	if err != nil {
		return err
	}
	if n != 16 {
		return card.Failf(iso7816.SW_ERR_WRONG_LENGTH, "EXTERNAL AUTHENTICATE data is %d bytes", n)
	}

	off := apdu.DataOffset()
	if err := c.verifyHostCryptogram(buf[off : off+8]); err != nil {
		return err
	}

	mac, err := retailMAC(c.prim, c.macKey, zeroICV, buf[:off+8])
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac, buf[off+8:off+16]) != 1 {
		return c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "EXTERNAL AUTHENTICATE C-MAC mismatch")
	}

	c.seq++
	c.icv = mac
	c.level = LevelAuthenticated | requested
	c.hostChallenge, c.cardChallenge = nil, nil
	c.logger.Info("secure channel open", "level", c.level.String(), "seq", c.seq)
	return nil
}

// Unwrap verifies and strips the C-MAC of a command held in cmd (header and data field),
// decrypting the data field first when C-DECRYPTION is active. On success the command is
// rewritten in place with a plain data field and its new length is returned. Any failure
// drops the session.
func (c *SCP02) Unwrap(cmd []byte) (int, error) {
	if len(cmd) < iso7816.ShortHeaderSize {
		return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "command too short for secure messaging")
	}
	secured := cmd[0]&claSMBit != 0

	if !c.level.Has(LevelCMAC) {
		if secured {
			return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "secure messaging without C-MAC session")
		}
		return len(cmd), nil
	}
	if !secured {
		return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "command is not protected")
	}

	lc := int(cmd[4])
	if lc < blockSize || iso7816.ShortHeaderSize+lc > len(cmd) {
		return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "no room for C-MAC")
	}
	data := cmd[iso7816.ShortHeaderSize : iso7816.ShortHeaderSize+lc]
	payload, got := data[:lc-blockSize], data[lc-blockSize:]

	plain := payload
	if c.level.Has(LevelCDecryption) && len(payload) > 0 {
		if checkBlocks(payload) != nil {
			return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "encrypted data not block aligned")
		}
		b, err := c.prim.NewCipher(c.encKey)
		if err != nil {
			return 0, err
		}
		if plain, err = unpad(cbcDecrypt(b, zeroICV, payload)); err != nil {
			return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, err.Error())
		}
	}

	in := make([]byte, 0, iso7816.ShortHeaderSize+len(plain))
	in = append(in, cmd[0]|claSMBit, cmd[1], cmd[2], cmd[3], byte(len(plain)+blockSize))
	in = append(in, plain...)
	want, err := retailMAC(c.prim, c.macKey, c.icv, in)
	if err != nil {
		return 0, err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return 0, c.fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "C-MAC mismatch")
	}
	c.icv = want

	copy(cmd[iso7816.ShortHeaderSize:], plain)
	cmd[4] = byte(len(plain))
	return iso7816.ShortHeaderSize + len(plain), nil
}

// Wrap leaves responses untouched; they travel in clear.
func (c *SCP02) Wrap(resp []byte) (int, error) {
	return len(resp), nil
}
