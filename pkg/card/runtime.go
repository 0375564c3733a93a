package card

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// Runtime is one emulated card. It is not safe for concurrent use.
type Runtime struct {
	logger      *slog.Logger
	protocol    Protocol
	carriesData func(iso7816.StatusWord) bool

	registry Registry
	apdu     APDU
	selected *Record

	active   aid.AID
	contexts []aid.AID

	tx            *transaction
	transient     []*transientArray
	secureChannel SecureChannel
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithProtocol sets the transport protocol reported to applications. The default is T=1.
func WithProtocol(p Protocol) Option {
	return func(rt *Runtime) { rt.protocol = p }
}

// WithResponseDataPredicate widens the set of status words whose response keeps its data.
// 62XX, 63XX and 9XXX always keep it.
func WithResponseDataPredicate(keep func(iso7816.StatusWord) bool) Option {
	return func(rt *Runtime) { rt.carriesData = keep }
}

// New creates an empty card.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		logger:      slog.Default(),
		protocol:    ProtocolT1,
		carriesData: func(iso7816.StatusWord) bool { return false },
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Protocol returns the transport protocol.
func (rt *Runtime) Protocol() Protocol { return rt.protocol }

// Registry returns the installed applications.
func (rt *Runtime) Registry() *Registry { return &rt.registry }

// SetSecureChannel installs the secure channel exposed to applications through Context.
func (rt *Runtime) SetSecureChannel(sc SecureChannel) { rt.secureChannel = sc }

// Selected returns the AID of the selected application.
func (rt *Runtime) Selected() (aid.AID, bool) {
	if rt.selected == nil {
		return aid.AID{}, false
	}
	return rt.selected.AID, true
}

// Transmit processes a raw command and returns the raw response (data followed by SW1 SW2).
func (rt *Runtime) Transmit(cmd []byte) []byte {
	return rt.Process(cmd).Bytes()
}

// Process dispatches one raw command.
func (rt *Runtime) Process(raw []byte) *iso7816.ResponseAPDU {
	rt.logger.Debug("C-APDU", "raw", hex.EncodeToString(raw))

	resp := rt.dispatch(raw)

	rt.logger.Debug("R-APDU",
		"data", hex.EncodeToString(resp.Data),
		"sw", fmt.Sprintf("%04X", uint16(resp.Status)))
	return resp
}

func (rt *Runtime) dispatch(raw []byte) *iso7816.ResponseAPDU {
	info, err := iso7816.DetectCase(raw)
	if err != nil {
		rt.logger.Debug("rejecting command", "err", err)
		return statusOnly(SWWrongLength)
	}

	target := rt.selected
	selecting := false
	if iso7816.IsSelectByName(raw) && !info.Case.IsExtended() {
		var name []byte
		if info.Case.HasData() {
			name = raw[info.DataOffset : info.DataOffset+info.Lc]
		}
		if rec, ok := rt.registry.Resolve(name); ok {
			target, selecting = rec, true
		} else if rt.selected == nil {
			return statusOnly(SWNotFound)
		}
	}

	if target == nil {
		if info.Case.IsExtended() {
			return statusOnly(SWWrongLength)
		}
		return statusOnly(SWCommandNotAllowed)
	}
	if info.Case.IsExtended() && !supportsExtended(target.App) {
		return statusOnly(SWWrongLength)
	}

	rt.apdu.reset(rt.protocol, raw, info, info.Case.IsExtended())

	if selecting {
		if rt.selected != nil {
			rt.deselect()
		}
		if !rt.callSelect(target) {
			return statusOnly(SWSelectionFailed)
		}
		rt.selected = target
	}

	sw := rt.callProcess(target, selecting)

	if rt.tx != nil {
		rt.logger.Warn("aborting transaction left open", "aid", rt.tx.owner.String())
		_ = rt.abortTransaction()
	}

	resp := &iso7816.ResponseAPDU{Status: sw}
	if rt.keepsData(sw) {
		resp.Data = append([]byte(nil), rt.apdu.response()...)
	}
	return resp
}

func statusOnly(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return &iso7816.ResponseAPDU{Status: sw}
}

func (rt *Runtime) keepsData(sw iso7816.StatusWord) bool {
	switch sw.SW1() {
	case 0x62, 0x63:
		return true
	}
	return sw>>12 == 0x9 || rt.carriesData(sw)
}

// enter makes id the active context for a top-level hook call.
func (rt *Runtime) enter(id aid.AID) {
	rt.contexts = rt.contexts[:0]
	rt.active = id
}

func (rt *Runtime) callSelect(rec *Record) (ok bool) {
	rt.enter(rec.AID)
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Warn("select hook panicked",
				"aid", rec.AID.String(), "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
		if !ok {
			rt.selected = nil
			rt.enter(aid.AID{})
		}
	}()
	return rec.App.Select(&Context{rt: rt, self: rec.AID, selecting: true})
}

func (rt *Runtime) callProcess(rec *Record, selecting bool) (sw iso7816.StatusWord) {
	rt.enter(rec.AID)
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Warn("process hook panicked",
				"aid", rec.AID.String(), "panic", r, "stack", string(debug.Stack()))
			sw = SWUnknown
		}
	}()

	err := rec.App.Process(&Context{rt: rt, self: rec.AID, selecting: selecting})
	if err == nil {
		return iso7816.SW_NO_ERROR
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var ae *APDUError
	if errors.As(err, &ae) {
		rt.logger.Warn("apdu misuse", "aid", rec.AID.String(), "err", err)
		return ae.Status()
	}
	rt.logger.Warn("process hook failed", "aid", rec.AID.String(), "err", err)
	return SWUnknown
}

// deselect runs the deselect hook of the selected application and clears the selection.
func (rt *Runtime) deselect() {
	rec := rt.selected
	rt.selected = nil

	func() {
		rt.enter(rec.AID)
		defer func() {
			if r := recover(); r != nil {
				rt.logger.Warn("deselect hook panicked", "aid", rec.AID.String(), "panic", r)
			}
		}()
		rec.App.Deselect(&Context{rt: rt, self: rec.AID})
	}()

	rt.enter(aid.AID{})
	if rt.tx != nil {
		_ = rt.abortTransaction()
	}
	rt.clearTransient(rec.AID, ClearOnDeselect)
}

// Reset emulates a card reset: the selected application is deselected, any open
// transaction is aborted, transient memory is cleared and the secure channel loses
// its session.
func (rt *Runtime) Reset() {
	if rt.selected != nil {
		rt.deselect()
	}
	if rt.tx != nil {
		_ = rt.abortTransaction()
	}
	rt.clearTransient(aid.AID{}, ClearOnDeselect)
	rt.clearTransient(aid.AID{}, ClearOnReset)
	if rt.secureChannel != nil {
		rt.secureChannel.ResetSecurity()
	}
	rt.enter(aid.AID{})
	rt.apdu = APDU{}
	rt.logger.Debug("card reset")
}

// Install creates an application through factory and registers it under id. The
// factory receives the canonical install block and must register exactly one instance.
func (rt *Runtime) Install(id aid.AID, factory Factory, params []byte) error {
	if _, exists := rt.registry.Lookup(id); exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	block, err := BuildInstallBlock(id, nil, params)
	if err != nil {
		return fmt.Errorf("install %s: %w", id, err)
	}

	reg := &Registrar{rt: rt, aid: id}
	if err := callFactory(factory, reg, block); err != nil {
		return fmt.Errorf("install %s: %w", id, err)
	}
	if len(reg.pending) != 1 {
		return fmt.Errorf("install %s: %w (got %d)", id, ErrNotRegistered, len(reg.pending))
	}

	rec := reg.pending[0]
	if err := rt.registry.Add(rec); err != nil {
		return fmt.Errorf("install %s: %w", id, err)
	}
	rt.logger.Info("application installed", "aid", rec.AID.String(), "isolated", rec.Isolated)
	return nil
}

func callFactory(factory Factory, reg *Registrar, block []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory(reg, block)
}

// Uninstall deselects the application if needed, calls its Uninstall hook and removes it.
// Hook failures are logged and do not prevent removal.
func (rt *Runtime) Uninstall(id aid.AID) error {
	rec, ok := rt.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if rt.selected == rec {
		rt.deselect()
	}

	if u, ok := rec.App.(Uninstaller); ok {
		if err := rt.callUninstall(rec, u); err != nil {
			rt.logger.Warn("uninstall hook failed", "aid", id.String(), "err", err)
		}
	}

	rt.registry.Remove(id)
	rt.dropTransient(id)
	rt.logger.Info("application deleted", "aid", id.String())
	return nil
}

func (rt *Runtime) callUninstall(rec *Record, u Uninstaller) (err error) {
	rt.pushContext(rec.AID)
	defer func() {
		rt.popContext()
		if r := recover(); r != nil {
			err = fmt.Errorf("uninstall panicked: %v", r)
		}
	}()
	if err := u.Uninstall(&Context{rt: rt, self: rec.AID}); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	return nil
}

// Lookup returns the application installed under id.
func (rt *Runtime) Lookup(id aid.AID) (Application, bool) {
	rec, ok := rt.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	return rec.App, true
}
