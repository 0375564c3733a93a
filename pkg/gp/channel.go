package gp

import (
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// SecureChannel is a card-side secure channel protocol.
type SecureChannel interface {
	card.SecureChannel

	// ProcessSecurity handles INITIALIZE UPDATE and EXTERNAL AUTHENTICATE. It receives
	// the command data, sends the response and returns its length.
	ProcessSecurity(ctx *card.Context) (int, error)

	// SecurityLevel returns the current security level.
	SecurityLevel() Level

	// Protocol returns the SCP identifier reported in INITIALIZE UPDATE (01 or 02).
	Protocol() byte
}

// Config configures a secure channel.
type Config struct {
	Keys Keys

	// Primitives defaults to StdPrimitives.
	Primitives Primitives

	// DiversificationData is returned in INITIALIZE UPDATE. At most 10 bytes; zero filled.
	DiversificationData []byte

	// SequenceCounter is the initial SCP02 sequence counter.
	SequenceCounter uint16

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

var zeroICV = make([]byte, blockSize)

// session is the state shared by both protocols.
type session struct {
	protocol byte
	prim     Primitives
	keys     Keys
	div      [10]byte
	logger   *slog.Logger

	level         Level
	encKey        []byte
	macKey        []byte
	rmacKey       []byte
	dekKey        []byte
	icv           []byte
	hostChallenge []byte
	cardChallenge []byte
}

func newSession(protocol byte, cfg Config) (session, error) {
	if err := cfg.Keys.Validate(); err != nil {
		return session{}, err
	}
	if len(cfg.DiversificationData) > 10 {
		return session{}, fmt.Errorf("gp: diversification data is %d bytes, max 10", len(cfg.DiversificationData))
	}

	s := session{
		protocol: protocol,
		prim:     cfg.Primitives,
		keys:     cfg.Keys,
		logger:   cfg.Logger,
	}
	if s.prim == nil {
		s.prim = StdPrimitives{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("scp", fmt.Sprintf("%02X", protocol))
	copy(s.div[:], cfg.DiversificationData)
	return s, nil
}

// Protocol returns the SCP identifier.
func (s *session) Protocol() byte { return s.protocol }

// SecurityLevel returns the current security level.
func (s *session) SecurityLevel() Level { return s.level }

// ResetSecurity drops the session: keys, challenges and ICV are cleared and the level
// returns to NONE.
func (s *session) ResetSecurity() {
	for _, k := range [][]byte{s.encKey, s.macKey, s.rmacKey, s.dekKey, s.icv} {
		clear(k)
	}
	s.encKey, s.macKey, s.rmacKey, s.dekKey, s.icv = nil, nil, nil, nil, nil
	s.hostChallenge, s.cardChallenge = nil, nil
	s.level = LevelNone
}

// DecryptData decrypts data in place with the static DEK (3DES ECB).
func (s *session) DecryptData(data []byte) (int, error) {
	return s.dekTransform(data, false)
}

// EncryptData encrypts data in place with the static DEK (3DES ECB).
func (s *session) EncryptData(data []byte) (int, error) {
	return s.dekTransform(data, true)
}

func (s *session) dekTransform(data []byte, encrypt bool) (int, error) {
	if err := checkBlocks(data); err != nil {
		return 0, card.Fail(iso7816.SW_ERR_WRONG_LENGTH, err.Error())
	}
	b, err := s.prim.NewCipher(s.keys.DEK)
	if err != nil {
		return 0, err
	}
	if encrypt {
		ecb(data, b.Encrypt)
	} else {
		ecb(data, b.Decrypt)
	}
	return len(data), nil
}

// fail resets the session and returns a status fault.
func (s *session) fail(sw iso7816.StatusWord, reason string) error {
	s.logger.Warn("secure channel reset", "reason", reason, "sw", sw.String())
	s.ResetSecurity()
	return card.Fail(sw, reason)
}

// initializeUpdate runs the common part of INITIALIZE UPDATE. begin derives the session
// keys for the host challenge and returns the card challenge.
func (s *session) initializeUpdate(apdu *card.APDU, begin func(host []byte) ([]byte, error)) (int, error) {
	buf := apdu.Buffer()
	if iso7816.WithoutChannel(buf[0]) != ClaGP {
		return 0, card.Fail(iso7816.SW_ERR_CLA_NOT_SUPPORTED, "INITIALIZE UPDATE needs CLA 80")
	}
	if p1 := buf[2]; p1 != 0 && p1 != s.keys.Version {
		return 0, card.Failf(iso7816.SW_ERR_REF_DATA_NOT_FOUND, "unknown key version %02X", p1)
	}

	n, err := apdu.SetIncomingAndReceive()
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, card.Failf(iso7816.SW_ERR_WRONG_LENGTH, "host challenge is %d bytes", n)
	}

	s.ResetSecurity()
	host := append([]byte(nil), buf[apdu.DataOffset():apdu.DataOffset()+8]...)
	cardChallenge, err := begin(host)
	if err != nil {
		s.ResetSecurity()
		return 0, err
	}

	cryptogram, err := fullMAC(s.prim, s.encKey, zeroICV, concat(host, cardChallenge))
	if err != nil {
		s.ResetSecurity()
		return 0, err
	}
	s.hostChallenge, s.cardChallenge = host, cardChallenge

	resp := make([]byte, 0, 28)
	resp = append(resp, s.div[:]...)
	resp = append(resp, s.keys.Version, s.protocol)
	resp = append(resp, cardChallenge...)
	resp = append(resp, cryptogram...)

	copy(buf, resp)
	if err := apdu.SetOutgoingAndSend(0, len(resp)); err != nil {
		return 0, err
	}
	return len(resp), nil
}

// verifyHostCryptogram checks the EXTERNAL AUTHENTICATE cryptogram against the pending
// challenge pair.
func (s *session) verifyHostCryptogram(got []byte) error {
	if s.hostChallenge == nil {
		return card.Fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "no pending INITIALIZE UPDATE")
	}
	want, err := fullMAC(s.prim, s.encKey, zeroICV, concat(s.cardChallenge, s.hostChallenge))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return s.fail(SWAuthenticationFailed, "host cryptogram mismatch")
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
