package gp

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

// ErrCardCryptogram is returned when the card does not prove knowledge of the keys.
var ErrCardCryptogram = errors.New("gp: card cryptogram mismatch")

// ErrNotCardManager is returned when the selected application is not the card manager.
var ErrNotCardManager = errors.New("gp: selected application is not the card manager")

// ErrNotOpen is returned by Host operations that need an open channel.
var ErrNotOpen = errors.New("gp: secure channel not open")

// Host is the off-card end of a secure channel. It drives a card manager through an
// iso7816.Client: it opens the channel and wraps the administrative commands.
type Host struct {
	client *iso7816.Client
	prim   Primitives
	keys   Keys

	protocol byte
	level    Level
	open     bool
	encKey   []byte
	macKey   []byte
	icv      []byte
}

// NewHost returns a host using keys. A nil prim selects StdPrimitives.
func NewHost(client *iso7816.Client, keys Keys, prim Primitives) *Host {
	if prim == nil {
		prim = StdPrimitives{}
	}
	return &Host{client: client, prim: prim, keys: keys}
}

// Protocol returns the SCP identifier announced by the card, once Open succeeded.
func (h *Host) Protocol() byte { return h.protocol }

// Level returns the negotiated security level.
func (h *Host) Level() Level { return h.level }

// SelectCardManager selects the card manager by AID and checks that its FCI names it.
func (h *Host) SelectCardManager() error {
	cla, _ := iso7816.NewClass(0x00)
	trace, err := h.client.Send(iso7816.SelectByAID(cla, CardManagerAID.Bytes()))
	if err != nil {
		return err
	}
	last := trace.Last().Response
	if err := last.Status.Err(); err != nil {
		return err
	}

	info, err := iso7816.ParseFileInfo(last.Data, iso7816.ReturnFCI)
	if err != nil {
		return fmt.Errorf("card manager FCI: %w", err)
	}
	if !info.Named(CardManagerAID.Bytes()) {
		var name []byte
		if info != nil {
			name = info.DFName
		}
		return fmt.Errorf("%w: FCI names %X", ErrNotCardManager, name)
	}
	return nil
}

// Open runs INITIALIZE UPDATE and EXTERNAL AUTHENTICATE, asking for level.
func (h *Host) Open(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("gp: invalid security level %s", level)
	}
	h.reset()

	hostChallenge := make([]byte, 8)
	if err := h.prim.Random(hostChallenge); err != nil {
		return err
	}

	resp, err := h.transmit(ClaGP, InsInitializeUpdate, h.keys.Version, 0x00, hostChallenge, iso7816.MaxShortLe)
	if err != nil {
		return fmt.Errorf("INITIALIZE UPDATE: %w", err)
	}
	if len(resp) != 28 {
		return fmt.Errorf("INITIALIZE UPDATE: response is %d bytes, want 28", len(resp))
	}
	protocol := resp[11]
	cardChallenge := resp[12:20]
	cardCryptogram := resp[20:28]

	switch protocol {
	case 0x01:
		if h.encKey, err = deriveSCP01(h.prim, h.keys.ENC, hostChallenge, cardChallenge); err != nil {
			return err
		}
		if h.macKey, err = deriveSCP01(h.prim, h.keys.MAC, hostChallenge, cardChallenge); err != nil {
			return err
		}
	case 0x02:
		seq := uint16(cardChallenge[0])<<8 | uint16(cardChallenge[1])
		if h.encKey, err = deriveSCP02(h.prim, h.keys.ENC, constENC, seq); err != nil {
			return err
		}
		if h.macKey, err = deriveSCP02(h.prim, h.keys.MAC, constCMAC, seq); err != nil {
			return err
		}
	default:
		return fmt.Errorf("gp: unsupported protocol %02X", protocol)
	}

	want, err := fullMAC(h.prim, h.encKey, zeroICV, concat(hostChallenge, cardChallenge))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, cardCryptogram) != 1 {
		h.reset()
		return ErrCardCryptogram
	}

	hostCryptogram, err := fullMAC(h.prim, h.encKey, zeroICV, concat(cardChallenge, hostChallenge))
	if err != nil {
		return err
	}
	header := []byte{ClaGPSecured, InsExternalAuthenticate, byte(level), 0x00, 0x10}
	mac, err := retailMAC(h.prim, h.macKey, zeroICV, concat(header, hostCryptogram))
	if err != nil {
		return err
	}

	if _, err := h.transmit(ClaGPSecured, InsExternalAuthenticate, byte(level), 0x00, concat(hostCryptogram, mac), 0); err != nil {
		h.reset()
		return fmt.Errorf("EXTERNAL AUTHENTICATE: %w", err)
	}

	h.protocol = protocol
	h.level = LevelAuthenticated | level
	h.icv = mac
	h.open = true
	return nil
}

func (h *Host) reset() {
	h.open = false
	h.level = LevelNone
	h.encKey, h.macKey, h.icv = nil, nil, nil
}

// Wrap protects a command according to the negotiated level: a C-MAC chained from the
// previous one and, with C-DECRYPTION, an encrypted data field. The caller's command is
// not modified.
func (h *Host) Wrap(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	if !h.open {
		return nil, ErrNotOpen
	}
	if !h.level.Has(LevelCMAC) {
		return cmd, nil
	}
	if len(cmd.Data)+blockSize+blockSize > iso7816.MaxShortLc {
		return nil, fmt.Errorf("gp: %d bytes too long to wrap", len(cmd.Data))
	}

	cla := cmd.Class.Raw | claSMBit
	header := []byte{cla, byte(cmd.Instruction.Raw), cmd.P1, cmd.P2, byte(len(cmd.Data) + blockSize)}
	mac, err := retailMAC(h.prim, h.macKey, h.icv, concat(header, cmd.Data))
	if err != nil {
		return nil, err
	}
	h.icv = mac

	data := cmd.Data
	if h.level.Has(LevelCDecryption) && len(data) > 0 {
		b, err := h.prim.NewCipher(h.encKey)
		if err != nil {
			return nil, err
		}
		data = cbcEncrypt(b, zeroICV, pad(data))
	}

	class, err := iso7816.NewClass(cla)
	if err != nil {
		return nil, err
	}
	wrapped := *cmd
	wrapped.Class = class
	wrapped.Data = concat(data, mac)
	return &wrapped, nil
}

// Send wraps and transmits cmd, failing on a non-success status.
func (h *Host) Send(cmd *iso7816.CommandAPDU) ([]byte, error) {
	wrapped, err := h.Wrap(cmd)
	if err != nil {
		return nil, err
	}
	trace, err := h.client.Send(wrapped)
	if err != nil {
		return nil, err
	}
	last := trace.Last().Response
	if err := last.Status.Err(); err != nil && last.Status != SWMoreData {
		return nil, err
	}
	return last.Data, nil
}

// Install asks the card manager to instantiate module as application, passing params
// as application specific parameters (tag C9).
func (h *Host) Install(module, application aid.AID, params []byte) error {
	installParams, err := bertlv.Encode([]bertlv.TLV{bertlv.NewTag("C9", params)})
	if err != nil {
		return err
	}
	data, err := tlv.LV(module.RID(), module.Bytes(), application.Bytes(), []byte{0x00}, installParams, nil)
	if err != nil {
		return err
	}
	_, err = h.Send(h.command(InsInstall, installForInstallSelectable, 0x00, data, iso7816.MaxShortLe))
	return err
}

// Delete asks the card manager to delete an application.
func (h *Host) Delete(id aid.AID) error {
	data, err := bertlv.Encode([]bertlv.TLV{bertlv.NewTag("4F", id.Bytes())})
	if err != nil {
		return err
	}
	_, err = h.Send(h.command(InsDelete, 0x00, 0x00, data, iso7816.MaxShortLe))
	return err
}

// ApplicationStatus is one GET STATUS entry.
type ApplicationStatus struct {
	AID        []byte `tlv:"4F"`
	LifeCycle  uint8  `tlv:"9F70"`
	Privileges []byte `tlv:"C5"`
}

type statusResponse struct {
	Entries []ApplicationStatus `tlv:"E3"`
}

// Applications lists the installed applications.
func (h *Host) Applications() ([]ApplicationStatus, error) {
	raw, err := h.Send(h.command(InsGetStatus, statusApplications, statusTLVFormat, []byte{0x4F, 0x00}, iso7816.MaxShortLe))
	if err != nil {
		return nil, err
	}
	var resp statusResponse
	if err := tlv.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("GET STATUS: %w", err)
	}
	return resp.Entries, nil
}

func (h *Host) command(ins, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	cla, _ := iso7816.NewClass(ClaGP)
	return iso7816.NewCommandAPDU(cla, iso7816.Instruction{Raw: iso7816.InsCode(ins)}, p1, p2, data, ne)
}

// transmit sends an unwrapped command and returns the response data of a successful exchange.
func (h *Host) transmit(cla, ins, p1, p2 byte, data []byte, ne int) ([]byte, error) {
	class, _ := iso7816.NewClass(cla)
	cmd := iso7816.NewCommandAPDU(class, iso7816.Instruction{Raw: iso7816.InsCode(ins)}, p1, p2, data, ne)
	trace, err := h.client.Send(cmd)
	if err != nil {
		return nil, err
	}
	last := trace.Last().Response
	if err := last.Status.Err(); err != nil {
		return nil, err
	}
	return last.Data, nil
}
