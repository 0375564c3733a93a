package gp

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

var (
	testModule = aid.MustParse("A0000000620001")
	testApp    = aid.MustParse("A000000062000101")
)

// runtimeCard connects a host to an in-process runtime.
type runtimeCard struct {
	rt *card.Runtime
}

func (c runtimeCard) Transmit(cmd []byte) ([]byte, error) {
	return c.rt.Transmit(cmd), nil
}

// stub is a minimal installable application.
type stub struct {
	params []byte
}

func (s *stub) Select(*card.Context) bool   { return true }
func (s *stub) Deselect(*card.Context)      {}
func (s *stub) Process(*card.Context) error { return nil }

func stubFactory(installed *[]*stub) card.Factory {
	return func(reg *card.Registrar, block []byte) error {
		ib, err := card.ParseInstallBlock(block)
		if err != nil {
			return err
		}
		s := &stub{params: ib.Params}
		if installed != nil {
			*installed = append(*installed, s)
		}
		return reg.Register(s)
	}
}

type fixture struct {
	rt      *card.Runtime
	channel SecureChannel
	host    *Host
	apps    []*stub
}

func newFixture(t *testing.T, protocol byte) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := Config{
		Keys:                TestKeys(),
		DiversificationData: tlv.Hex("00 01 02 03 04 05 06 07 08 09"),
		SequenceCounter:     5,
		Logger:              logger,
	}

	var (
		channel SecureChannel
		err     error
	)
	switch protocol {
	case 0x01:
		channel, err = NewSCP01(cfg)
	default:
		channel, err = NewSCP02(cfg)
	}
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}

	f := &fixture{rt: card.New(card.WithLogger(logger)), channel: channel}
	catalog := Catalog{testModule: stubFactory(&f.apps)}
	if err := InstallCardManager(f.rt, channel, catalog, logger); err != nil {
		t.Fatalf("InstallCardManager: %v", err)
	}

	f.host = NewHost(iso7816.NewClient(runtimeCard{f.rt}), TestKeys(), nil)
	if err := f.host.SelectCardManager(); err != nil {
		t.Fatalf("SelectCardManager: %v", err)
	}
	return f
}

func (f *fixture) open(t *testing.T, level Level) {
	t.Helper()
	if err := f.host.Open(level); err != nil {
		t.Fatalf("Open(%s): %v", level, err)
	}
}

func statusOf(err error) iso7816.StatusWord {
	var se *iso7816.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func TestSCP02_Handshake(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	if got := f.channel.SecurityLevel(); got != LevelAuthenticated|LevelCMAC {
		t.Errorf("card level = %s", got)
	}
	if got := f.host.Level(); got != LevelAuthenticated|LevelCMAC {
		t.Errorf("host level = %s", got)
	}
	if got := f.host.Protocol(); got != 0x02 {
		t.Errorf("protocol = %02X", got)
	}
	if got := f.channel.(*SCP02).SequenceCounter(); got != 6 {
		t.Errorf("sequence counter = %d, want 6", got)
	}
}

func TestSCP02_InitializeUpdateResponse(t *testing.T) {
	f := newFixture(t, 0x02)

	resp := f.rt.Process(tlv.Hex("80 50 00 00 08 01 02 03 04 05 06 07 08 00"))
	if resp.Status != iso7816.SW_NO_ERROR {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(resp.Data) != 28 {
		t.Fatalf("response is %d bytes", len(resp.Data))
	}

	d := resp.Data
	if got := d[:10]; string(got) != string(tlv.Hex("00 01 02 03 04 05 06 07 08 09")) {
		t.Errorf("diversification data = %X", got)
	}
	if d[10] != 0xFF || d[11] != 0x02 {
		t.Errorf("key info = %02X %02X", d[10], d[11])
	}
	if d[12] != 0x00 || d[13] != 0x05 {
		t.Errorf("card challenge does not start with the sequence counter: %X", d[12:20])
	}
	if got := f.channel.SecurityLevel(); got != LevelNone {
		t.Errorf("level after INITIALIZE UPDATE = %s", got)
	}
}

func TestSCP02_InitializeUpdateErrors(t *testing.T) {
	f := newFixture(t, 0x02)

	tests := []struct {
		name string
		cmd  string
		want iso7816.StatusWord
	}{
		{"secured class", "84 50 00 00 08 01 02 03 04 05 06 07 08 00", iso7816.SW_ERR_CLA_NOT_SUPPORTED},
		{"unknown key version", "80 50 20 00 08 01 02 03 04 05 06 07 08 00", iso7816.SW_ERR_REF_DATA_NOT_FOUND},
		{"short challenge", "80 50 00 00 04 01 02 03 04 00", iso7816.SW_ERR_WRONG_LENGTH},
	}
	for _, tt := range tests {
		if got := f.rt.Process(tlv.Hex(tt.cmd)).Status; got != tt.want {
			t.Errorf("%s: status = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSCP02_WrongHostCryptogram(t *testing.T) {
	f := newFixture(t, 0x02)

	f.rt.Process(tlv.Hex("80 50 00 00 08 01 02 03 04 05 06 07 08 00"))
	resp := f.rt.Process(tlv.Hex("84 82 01 00 10 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00"))
	if resp.Status != SWAuthenticationFailed {
		t.Errorf("status = %s, want %s", resp.Status, SWAuthenticationFailed)
	}
	if got := f.channel.SecurityLevel(); got != LevelNone {
		t.Errorf("level = %s, want NONE", got)
	}

	// The pending challenge is gone: a second attempt needs a new INITIALIZE UPDATE.
	resp = f.rt.Process(tlv.Hex("84 82 01 00 10 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00"))
	if resp.Status != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("retry status = %s, want 6985", resp.Status)
	}
}

func TestSCP02_ExternalAuthenticateErrors(t *testing.T) {
	f := newFixture(t, 0x02)
	f.rt.Process(tlv.Hex("80 50 00 00 08 01 02 03 04 05 06 07 08 00"))

	tests := []struct {
		name string
		cmd  string
		want iso7816.StatusWord
	}{
		{"plain class", "80 82 01 00 10 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00", iso7816.SW_ERR_CLA_NOT_SUPPORTED},
		{"decryption without MAC", "84 82 02 00 10 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00", iso7816.SW_ERR_INCORRECT_PARAMS_P1P2},
		{"short data", "84 82 01 00 08 00 00 00 00 00 00 00 00", iso7816.SW_ERR_WRONG_LENGTH},
	}
	for _, tt := range tests {
		if got := f.rt.Process(tlv.Hex(tt.cmd)).Status; got != tt.want {
			t.Errorf("%s: status = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSCP02_TamperedMAC(t *testing.T) {
	for i := range blockSize {
		f := newFixture(t, 0x02)
		f.open(t, LevelCMAC)

		cmd, err := f.host.Wrap(f.host.command(InsGetStatus, statusApplications, statusTLVFormat, []byte{0x4F, 0x00}, iso7816.MaxShortLe))
		if err != nil {
			t.Fatal(err)
		}
		raw, err := cmd.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		// Data ends right before the trailing Le.
		raw[len(raw)-2-i] ^= 0x01

		if got := f.rt.Process(raw).Status; got != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
			t.Errorf("MAC byte %d flipped: status = %s, want 6985", i, got)
		}
		if got := f.channel.SecurityLevel(); got != LevelNone {
			t.Errorf("MAC byte %d flipped: level = %s, want NONE", i, got)
		}
	}
}

func TestSCP02_UnprotectedCommandRejected(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	resp := f.rt.Process(tlv.Hex("80 F2 40 02 02 4F 00 00"))
	if resp.Status != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("status = %s, want 6985", resp.Status)
	}
	if got := f.channel.SecurityLevel(); got != LevelNone {
		t.Errorf("level = %s, want NONE", got)
	}
}

func TestSCP02_ReplayRejected(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	cmd, err := f.host.Wrap(f.host.command(InsGetStatus, statusApplications, statusTLVFormat, []byte{0x4F, 0x00}, iso7816.MaxShortLe))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := cmd.Bytes()

	// No application installed yet: the first command is authentic and answers 6A88.
	if got := f.rt.Process(raw).Status; got != iso7816.SW_ERR_REF_DATA_NOT_FOUND {
		t.Fatalf("first status = %s", got)
	}
	if got := f.rt.Process(raw).Status; got != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("replayed status = %s, want 6985", got)
	}
}

func TestSCP02_ResetKeepsSequenceCounter(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	f.rt.Reset()
	if got := f.channel.SecurityLevel(); got != LevelNone {
		t.Errorf("level after reset = %s", got)
	}

	if err := f.host.SelectCardManager(); err != nil {
		t.Fatal(err)
	}
	f.open(t, LevelNone)
	if got := f.channel.(*SCP02).SequenceCounter(); got != 7 {
		t.Errorf("sequence counter = %d, want 7", got)
	}
}

func TestDataEncryptionKey(t *testing.T) {
	f := newFixture(t, 0x02)

	if _, err := f.channel.DecryptData(make([]byte, 7)); statusOf(err) != iso7816.SW_ERR_WRONG_LENGTH {
		t.Errorf("DecryptData(7 bytes) err = %v", err)
	}
	if _, err := f.channel.EncryptData(make([]byte, 12)); statusOf(err) != iso7816.SW_ERR_WRONG_LENGTH {
		t.Errorf("EncryptData(12 bytes) err = %v", err)
	}

	plain := tlv.Hex("00 11 22 33 44 55 66 77 88 99 AA BB CC DD EE FF")
	data := append([]byte(nil), plain...)
	if n, err := f.channel.EncryptData(data); err != nil || n != 16 {
		t.Fatalf("EncryptData = %d, %v", n, err)
	}
	if string(data) == string(plain) {
		t.Fatal("EncryptData left data unchanged")
	}
	if _, err := f.channel.DecryptData(data); err != nil {
		t.Fatal(err)
	}
	if string(data) != string(plain) {
		t.Errorf("round trip = %X", data)
	}
}

func TestSCP01_Handshake(t *testing.T) {
	f := newFixture(t, 0x01)
	f.open(t, LevelCMAC)

	if got := f.host.Protocol(); got != 0x01 {
		t.Errorf("protocol = %02X", got)
	}
	if got := f.channel.SecurityLevel(); got != LevelAuthenticated {
		t.Errorf("level = %s, want AUTHENTICATED only", got)
	}
}

func TestSCP01_NoSecureMessaging(t *testing.T) {
	f := newFixture(t, 0x01)
	f.open(t, LevelNone)

	if _, err := f.channel.Wrap(make([]byte, 2)); statusOf(err) != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("Wrap err = %v", err)
	}
	err := f.host.Install(testModule, testApp, nil)
	if got := statusOf(err); got != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("Install over SCP01: status = %s (%v), want 6985", got, err)
	}
}

func TestHost_CardCryptogramMismatch(t *testing.T) {
	f := newFixture(t, 0x02)

	wrong := TestKeys()
	wrong.ENC = make([]byte, 16)
	host := NewHost(iso7816.NewClient(runtimeCard{f.rt}), wrong, nil)
	if err := host.Open(LevelCMAC); !errors.Is(err, ErrCardCryptogram) {
		t.Errorf("Open err = %v, want ErrCardCryptogram", err)
	}
	if _, err := host.Wrap(host.command(InsGetStatus, 0x40, 0x02, nil, 0)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Wrap err = %v, want ErrNotOpen", err)
	}
}

// cannedCard answers every command with the same response.
type cannedCard []byte

func (c cannedCard) Transmit([]byte) ([]byte, error) { return c, nil }

func TestHost_SelectCardManagerChecksFCI(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
		want error
	}{
		{"Other application", tlv.Hex("6F 09 84 07 A0000000031010 90 00"), ErrNotCardManager},
		{"No FCI", tlv.Hex("90 00"), ErrNotCardManager},
		{"Card manager", tlv.Hex("6F 0A 84 08 A000000151000000 90 00"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := NewHost(iso7816.NewClient(cannedCard(tt.resp)), TestKeys(), nil)
			if err := host.SelectCardManager(); !errors.Is(err, tt.want) {
				t.Errorf("SelectCardManager() = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("Malformed FCI", func(t *testing.T) {
		host := NewHost(iso7816.NewClient(cannedCard(tlv.Hex("6F 09 84 90 00"))), TestKeys(), nil)
		if err := host.SelectCardManager(); err == nil {
			t.Error("SelectCardManager accepted a truncated FCI")
		}
	})
}
