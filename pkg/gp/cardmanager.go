package gp

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

var (
	_ SecureChannel = (*SCP01)(nil)
	_ SecureChannel = (*SCP02)(nil)
)

// CardManagerAID is the AID of the issuer security domain.
var CardManagerAID = aid.MustParse("A000000151000000")

// Catalog maps executable module AIDs to the factories that instantiate them.
type Catalog map[aid.AID]card.Factory

// INSTALL P1 values.
const (
	installForInstall           byte = 0x04
	installForInstallSelectable byte = 0x0C
)

// GET STATUS parameters.
const (
	statusApplications byte = 0x40
	statusTLVFormat    byte = 0x02
)

// lifeCycleSelectable is the GlobalPlatform application life cycle state SELECTABLE.
const lifeCycleSelectable byte = 0x07

// CardManager is the card manager application. It opens the secure channel and, once
// the host is authenticated, installs, deletes and lists applications.
type CardManager struct {
	channel SecureChannel
	catalog Catalog
	logger  *slog.Logger
}

// InstallCardManager installs the card manager at CardManagerAID and exposes channel to
// the other applications.
func InstallCardManager(rt *card.Runtime, channel SecureChannel, catalog Catalog, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cm := &CardManager{channel: channel, catalog: catalog, logger: logger}

	err := rt.Install(CardManagerAID, func(reg *card.Registrar, _ []byte) error {
		return reg.Register(cm)
	}, nil)
	if err != nil {
		return err
	}
	rt.SetSecureChannel(channel)
	return nil
}

// Select always accepts.
func (cm *CardManager) Select(*card.Context) bool { return true }

// Deselect keeps the channel open: the session ends with a reset or a new INITIALIZE UPDATE.
func (cm *CardManager) Deselect(*card.Context) {}

// Process dispatches card manager commands.
func (cm *CardManager) Process(ctx *card.Context) error {
	apdu := ctx.APDU()
	if ctx.Selecting() {
		return apdu.SendLong(cm.fci(ctx.AID()))
	}

	buf := apdu.Buffer()
	cla := iso7816.WithoutChannel(buf[0])
	if cla != ClaGP && cla != ClaGPSecured {
		return card.Failf(iso7816.SW_ERR_CLA_NOT_SUPPORTED, "CLA %02X", buf[0])
	}

	switch buf[1] {
	case InsInitializeUpdate, InsExternalAuthenticate:
		_, err := cm.channel.ProcessSecurity(ctx)
		return err
	case InsInstall:
		return cm.install(ctx)
	case InsDelete:
		return cm.delete(ctx)
	case InsGetStatus:
		return cm.getStatus(ctx)
	default:
		return card.Failf(iso7816.SW_ERR_INS_INVALID, "INS %02X", buf[1])
	}
}

func (cm *CardManager) fci(self aid.AID) []byte {
	out, _ := bertlv.Encode([]bertlv.TLV{
		bertlv.NewComposite("6F",
			bertlv.NewTag("84", self.Bytes()),
			bertlv.NewComposite("A5",
				bertlv.NewTag("9F6E", []byte{0x06, 0x40, 0x51, 0x53}),
				bertlv.NewTag("9F65", []byte{0xFF}),
			),
		),
	})
	return out
}

// securedData receives the command data of an administrative command, after checking
// the channel is authenticated and unwrapping secure messaging.
func (cm *CardManager) securedData(ctx *card.Context) ([]byte, error) {
	if !cm.channel.SecurityLevel().Has(LevelAuthenticated) {
		return nil, card.Fail(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT, "secure channel not open")
	}

	apdu := ctx.APDU()
	n, err := apdu.SetIncomingAndReceive()
	if err != nil {
		return nil, err
	}

	off := apdu.DataOffset()
	cmd := apdu.Buffer()[:off+n]
	total, err := cm.channel.Unwrap(cmd)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), cmd[off:total]...), nil
}

func (cm *CardManager) install(ctx *card.Context) error {
	p1 := ctx.APDU().Buffer()[2]
	data, err := cm.securedData(ctx)
	if err != nil {
		return err
	}
	if p1 != installForInstall && p1 != installForInstallSelectable {
		return card.Failf(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2, "INSTALL P1 %02X", p1)
	}

	req, err := parseInstallRequest(data)
	if err != nil {
		return card.Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, err.Error())
	}
	factory, ok := cm.catalog[req.module]
	if !ok {
		return card.Failf(iso7816.SW_ERR_REF_DATA_NOT_FOUND, "unknown module %s", req.module)
	}

	cm.logger.Debug("install",
		"load_file", fmt.Sprintf("%X", req.loadFile),
		"module", req.module.String(),
		"aid", req.application.String(),
		"privileges", fmt.Sprintf("%X", req.privileges))

	rt := ctx.Runtime()
	if err := rt.Install(req.application, factory, req.params); err != nil {
		cm.logger.Warn("install failed", "aid", req.application.String(), "err", err)
		if errors.Is(err, card.ErrDuplicate) {
			return card.Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, err.Error())
		}
		return card.Fail(iso7816.SW_ERR_UNKNOWN, err.Error())
	}
	return cm.confirm(ctx)
}

type installRequest struct {
	loadFile    []byte
	module      aid.AID
	application aid.AID
	privileges  []byte
	params      []byte
}

// parseInstallRequest decodes INSTALL [for install] data:
// LV(load file AID) LV(module AID) LV(application AID) LV(privileges) LV(parameters) LV(token).
// Application specific parameters are the value of the C9 tag inside the parameters field.
func parseInstallRequest(data []byte) (installRequest, error) {
	r := tlv.NewLVReader(data)
	fields := make([][]byte, 6)
	for i := range fields {
		v, err := r.Next()
		if err != nil {
			return installRequest{}, fmt.Errorf("INSTALL field %d: %w", i, err)
		}
		fields[i] = v
	}

	module, err := aid.New(fields[1])
	if err != nil {
		return installRequest{}, fmt.Errorf("module: %w", err)
	}
	application, err := aid.New(fields[2])
	if err != nil {
		return installRequest{}, fmt.Errorf("application: %w", err)
	}

	req := installRequest{
		loadFile:    fields[0],
		module:      module,
		application: application,
		privileges:  fields[3],
	}
	if len(fields[4]) > 0 {
		packets, err := bertlv.Decode(fields[4])
		if err != nil {
			return installRequest{}, fmt.Errorf("install parameters: %w", err)
		}
		if c9, ok := tlv.Find(packets, "C9"); ok {
			req.params = c9.Value
		}
	}
	return req, nil
}

func (cm *CardManager) delete(ctx *card.Context) error {
	data, err := cm.securedData(ctx)
	if err != nil {
		return err
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return card.Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, err.Error())
	}
	tag, ok := tlv.Find(packets, "4F")
	if !ok {
		return card.Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, "DELETE without 4F")
	}
	target, err := aid.New(tag.Value)
	if err != nil {
		return card.Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, err.Error())
	}
	if target.Equal(ctx.AID()) {
		return card.Fail(iso7816.SW_ERR_COND_OF_USE_NOT_SAT, "cannot delete the card manager")
	}

	if err := ctx.Runtime().Uninstall(target); err != nil {
		if errors.Is(err, card.ErrNotFound) {
			return card.Failf(iso7816.SW_ERR_REF_DATA_NOT_FOUND, "%s not installed", target)
		}
		return err
	}
	return cm.confirm(ctx)
}

func (cm *CardManager) getStatus(ctx *card.Context) error {
	buf := ctx.APDU().Buffer()
	p1, p2 := buf[2], buf[3]
	if _, err := cm.securedData(ctx); err != nil {
		return err
	}
	if p1 != statusApplications || p2&^0x01 != statusTLVFormat {
		return card.Failf(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2, "GET STATUS P1 %02X P2 %02X", p1, p2)
	}

	var out []byte
	status := iso7816.SW_NO_ERROR
	for _, rec := range ctx.Runtime().Registry().Records() {
		if rec.AID.Equal(ctx.AID()) {
			continue
		}
		entry, err := bertlv.Encode([]bertlv.TLV{
			bertlv.NewComposite("E3",
				bertlv.NewTag("4F", rec.AID.Bytes()),
				bertlv.NewTag("9F70", []byte{lifeCycleSelectable}),
				bertlv.NewTag("C5", []byte{0x00}),
			),
		})
		if err != nil {
			return err
		}
		if len(out)+len(entry) > iso7816.MaxShortLe {
			status = SWMoreData
			break
		}
		out = append(out, entry...)
	}

	if len(out) == 0 {
		return card.Fail(iso7816.SW_ERR_REF_DATA_NOT_FOUND, "no applications")
	}
	if err := ctx.APDU().SendLong(out); err != nil {
		return err
	}
	if status != iso7816.SW_NO_ERROR {
		return card.Fail(status, "more entries available")
	}
	return nil
}

// confirm answers INSTALL and DELETE with a single 00 byte.
func (cm *CardManager) confirm(ctx *card.Context) error {
	apdu := ctx.APDU()
	apdu.Buffer()[0] = 0x00
	return apdu.SetOutgoingAndSend(0, 1)
}
