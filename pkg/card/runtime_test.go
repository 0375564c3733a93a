package card

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

// hookRecorder is a configurable application recording every hook call.
type hookRecorder struct {
	name     string
	calls    *[]string
	refuse   bool
	panicSel bool
	extended bool
	process  func(ctx *Context) error
}

func (p *hookRecorder) Select(ctx *Context) bool {
	*p.calls = append(*p.calls, p.name+".select")
	if p.panicSel {
		panic("boom")
	}
	return !p.refuse
}

func (p *hookRecorder) Deselect(ctx *Context) {
	*p.calls = append(*p.calls, p.name+".deselect")
}

func (p *hookRecorder) Process(ctx *Context) error {
	*p.calls = append(*p.calls, p.name+".process")
	if p.process != nil {
		return p.process(ctx)
	}
	return nil
}

func (p *hookRecorder) SupportsExtendedLength() bool { return p.extended }

func newTestRuntime(opts ...Option) *Runtime {
	return New(append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)...)
}

func install(t *testing.T, rt *Runtime, id string, app Application) {
	t.Helper()
	err := rt.Install(aid.MustParse(id), func(reg *Registrar, _ []byte) error {
		return reg.Register(app)
	}, nil)
	if err != nil {
		t.Fatalf("Install(%s): %v", id, err)
	}
}

func selectCmd(name string) []byte {
	b := tlv.Hex(name)
	return append(append(tlv.Hex("00 A4 04 00"), byte(len(b))), b...)
}

func echo(ctx *Context) error {
	if ctx.Selecting() {
		return nil
	}
	apdu := ctx.APDU()
	data, err := apdu.ReceiveAll()
	if err != nil {
		return err
	}
	return apdu.SendLong(data)
}

func TestRuntime_SelectEmptyRegistry(t *testing.T) {
	rt := newTestRuntime()
	resp := rt.Process(selectCmd("A000000003"))
	if resp.Status != SWNotFound {
		t.Errorf("status = %s, want 6A82", resp.Status)
	}
}

func TestRuntime_SelectWithoutName(t *testing.T) {
	for _, cmd := range []string{"00 A4 04 00", "00 A4 04 00 00"} {
		t.Run(cmd, func(t *testing.T) {
			if resp := newTestRuntime().Process(tlv.Hex(cmd)); resp.Status != SWNotFound {
				t.Errorf("empty registry status = %s, want 6A82", resp.Status)
			}

			var calls []string
			rt := newTestRuntime()
			install(t, rt, "A0000000041010", &hookRecorder{name: "high", calls: &calls})
			install(t, rt, "A0000000031010", &hookRecorder{name: "low", calls: &calls})

			if resp := rt.Process(tlv.Hex(cmd)); resp.Status != iso7816.SW_NO_ERROR {
				t.Fatalf("status = %s", resp.Status)
			}
			if got, _ := rt.Selected(); got.String() != "A0000000031010" {
				t.Errorf("selected %s, want the lowest AID", got)
			}
		})
	}
}

func TestRuntime_CommandWithoutSelection(t *testing.T) {
	var calls []string
	rt := newTestRuntime()
	install(t, rt, "A000000003", &hookRecorder{name: "a", calls: &calls})

	resp := rt.Process(tlv.Hex("80 CA 00 00 00"))
	if resp.Status != SWCommandNotAllowed {
		t.Errorf("status = %s, want 6986", resp.Status)
	}
	if len(calls) != 0 {
		t.Errorf("hooks called: %v", calls)
	}
}

func TestRuntime_SelectAndProcess(t *testing.T) {
	var calls []string
	var sawSelecting []bool
	rt := newTestRuntime()
	install(t, rt, "A0000000620001", &hookRecorder{name: "echo", calls: &calls, process: func(ctx *Context) error {
		sawSelecting = append(sawSelecting, ctx.Selecting())
		return echo(ctx)
	}})

	if resp := rt.Process(selectCmd("A0000000620001")); resp.Status != iso7816.SW_NO_ERROR {
		t.Fatalf("select status = %s", resp.Status)
	}
	resp := rt.Process(tlv.Hex("80 10 00 00 03 01 02 03 00"))
	if resp.Status != iso7816.SW_NO_ERROR {
		t.Fatalf("echo status = %s", resp.Status)
	}
	if diff := cmp.Diff(tlv.Hex("01 02 03"), resp.Data); diff != "" {
		t.Errorf("echo data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"echo.select", "echo.process", "echo.process"}, calls); diff != "" {
		t.Errorf("hook sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, false}, sawSelecting); diff != "" {
		t.Errorf("selecting flag mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntime_PartialSelectPicksLowest(t *testing.T) {
	var calls []string
	rt := newTestRuntime()
	install(t, rt, "A0000000041010", &hookRecorder{name: "mc", calls: &calls})
	install(t, rt, "A0000000031010", &hookRecorder{name: "visa", calls: &calls})

	rt.Process(selectCmd("A0"))
	got, ok := rt.Selected()
	if !ok || got.String() != "A0000000031010" {
		t.Errorf("selected = %s (%v), want A0000000031010", got, ok)
	}
}

func TestRuntime_SelectFailure(t *testing.T) {
	tests := []struct {
		name string
		app  *hookRecorder
	}{
		{"Refused", &hookRecorder{refuse: true}},
		{"Panics", &hookRecorder{panicSel: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			tt.app.name, tt.app.calls = "a", &calls
			rt := newTestRuntime()
			install(t, rt, "A000000003", tt.app)

			resp := rt.Process(selectCmd("A000000003"))
			if resp.Status != SWSelectionFailed {
				t.Errorf("status = %s, want 6400", resp.Status)
			}
			if _, ok := rt.Selected(); ok {
				t.Error("application selected after failed select")
			}
			if diff := cmp.Diff([]string{"a.select"}, calls); diff != "" {
				t.Errorf("hooks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRuntime_SelectSwitchDeselectsPrevious(t *testing.T) {
	var calls []string
	var scratch []byte
	rt := newTestRuntime()
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		if ctx.Selecting() {
			scratch = ctx.MakeTransient(4, ClearOnDeselect)
			copy(scratch, "data")
		}
		return nil
	}})
	install(t, rt, "A000000002", &hookRecorder{name: "b", calls: &calls})

	rt.Process(selectCmd("A000000001"))
	rt.Process(selectCmd("A000000002"))

	want := []string{"a.select", "a.process", "a.deselect", "b.select", "b.process"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("hook sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(make([]byte, 4), scratch); diff != "" {
		t.Errorf("transient memory not cleared (-want +got):\n%s", diff)
	}
}

func TestRuntime_SelectUnknownContinuesWithSelected(t *testing.T) {
	var calls []string
	rt := newTestRuntime()
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		if !ctx.Selecting() {
			return Fail(iso7816.SW_ERR_FILE_NOT_FOUND, "no such file")
		}
		return nil
	}})

	rt.Process(selectCmd("A000000001"))
	resp := rt.Process(selectCmd("B000000001"))

	if resp.Status != iso7816.SW_ERR_FILE_NOT_FOUND {
		t.Errorf("status = %s", resp.Status)
	}
	if diff := cmp.Diff([]string{"a.select", "a.process", "a.process"}, calls); diff != "" {
		t.Errorf("hook sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntime_ProcessFaults(t *testing.T) {
	tests := []struct {
		name     string
		process  func(*Context) error
		wantSW   iso7816.StatusWord
		wantData []byte
	}{
		{
			name:    "Generic error",
			process: func(*Context) error { return errors.New("broken") },
			wantSW:  SWUnknown,
		},
		{
			name:    "Panic",
			process: func(*Context) error { panic("broken") },
			wantSW:  SWUnknown,
		},
		{
			name:    "Status fault drops data",
			process: sendThen(Fail(iso7816.SW_ERR_INCORRECT_PARAMS_DATA, "")),
			wantSW:  iso7816.SW_ERR_INCORRECT_PARAMS_DATA,
		},
		{
			name:     "Warning keeps data",
			process:  sendThen(Fail(0x6310, "")),
			wantSW:   0x6310,
			wantData: tlv.Hex("CAFE"),
		},
		{
			name:     "9XXX keeps data",
			process:  sendThen(Fail(0x9101, "")),
			wantSW:   0x9101,
			wantData: tlv.Hex("CAFE"),
		},
		{
			name: "Leaked bad length",
			process: func(ctx *Context) error {
				if _, err := ctx.APDU().SetOutgoing(); err != nil {
					return err
				}
				return ctx.APDU().SetOutgoingLength(1000)
			},
			wantSW: SWWrongLength,
		},
		{
			name: "Wrapped status fault",
			process: func(*Context) error {
				return errors.Join(errors.New("context"), Fail(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT, ""))
			},
			wantSW: iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			rt := newTestRuntime()
			install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
				if ctx.Selecting() {
					return nil
				}
				return tt.process(ctx)
			}})
			rt.Process(selectCmd("A000000001"))

			resp := rt.Process(tlv.Hex("80 01 00 00 00"))
			if resp.Status != tt.wantSW {
				t.Errorf("status = %s, want %s", resp.Status, tt.wantSW)
			}
			if diff := cmp.Diff(tt.wantData, resp.Data); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}

			// The card stays usable.
			if resp := rt.Process(selectCmd("A000000001")); resp.Status != iso7816.SW_NO_ERROR {
				t.Errorf("follow-up select status = %s", resp.Status)
			}
		})
	}
}

func sendThen(err error) func(*Context) error {
	return func(ctx *Context) error {
		apdu := ctx.APDU()
		copy(apdu.Buffer(), tlv.Hex("CAFE"))
		if sendErr := apdu.SetOutgoingAndSend(0, 2); sendErr != nil {
			return sendErr
		}
		return err
	}
}

func TestRuntime_ResponseDataPredicate(t *testing.T) {
	var calls []string
	rt := newTestRuntime(WithResponseDataPredicate(func(sw iso7816.StatusWord) bool {
		return sw == iso7816.SW_ERR_RECORD_NOT_FOUND
	}))
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		if ctx.Selecting() {
			return nil
		}
		return sendThen(Fail(iso7816.SW_ERR_RECORD_NOT_FOUND, ""))(ctx)
	}})
	rt.Process(selectCmd("A000000001"))

	resp := rt.Process(tlv.Hex("80 01 00 00 00"))
	if diff := cmp.Diff(tlv.Hex("CAFE"), resp.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestRuntime_ExtendedLength(t *testing.T) {
	extendedCmd := append(tlv.Hex("80 10 00 00 00 01 00"), make([]byte, 256)...)

	t.Run("Unsupported", func(t *testing.T) {
		var calls []string
		rt := newTestRuntime()
		install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls})
		rt.Process(selectCmd("A000000001"))
		calls = nil

		if resp := rt.Process(extendedCmd); resp.Status != SWWrongLength {
			t.Errorf("status = %s, want 6700", resp.Status)
		}
		if len(calls) != 0 {
			t.Errorf("hooks called: %v", calls)
		}
	})

	t.Run("Supported", func(t *testing.T) {
		var calls []string
		rt := newTestRuntime()
		install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, extended: true, process: echo})
		rt.Process(selectCmd("A000000001"))

		resp := rt.Process(append(extendedCmd, 0x00, 0x00))
		if resp.Status != iso7816.SW_NO_ERROR || len(resp.Data) != 256 {
			t.Errorf("status = %s, %d bytes", resp.Status, len(resp.Data))
		}
	})
}

func TestRuntime_MalformedCommand(t *testing.T) {
	rt := newTestRuntime()
	for _, raw := range [][]byte{nil, tlv.Hex("00"), tlv.Hex("00 A4 04"), tlv.Hex("00 A4 04 00 05 A0")} {
		if resp := rt.Process(raw); resp.Status != SWWrongLength {
			t.Errorf("Process(%X) = %s, want 6700", raw, resp.Status)
		}
	}
}

func TestRuntime_OpenTransactionAborted(t *testing.T) {
	var calls []string
	rolledBack := false
	rt := newTestRuntime()
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		if ctx.Selecting() {
			return nil
		}
		if err := ctx.BeginTransaction(); err != nil {
			return err
		}
		if err := ctx.BeginTransaction(); !errors.Is(err, ErrTransactionInProgress) {
			t.Errorf("nested BeginTransaction = %v", err)
		}
		return ctx.OnAbort(func() { rolledBack = true })
	}})

	rt.Process(selectCmd("A000000001"))
	rt.Process(tlv.Hex("80 01 00 00"))

	if !rolledBack {
		t.Error("open transaction was not rolled back")
	}
}

func TestRuntime_TransactionCommit(t *testing.T) {
	var calls []string
	rolledBack := false
	rt := newTestRuntime()
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		if err := ctx.BeginTransaction(); err != nil {
			return err
		}
		if err := ctx.OnAbort(func() { rolledBack = true }); err != nil {
			return err
		}
		if ctx.TransactionDepth() != 1 {
			t.Errorf("depth = %d", ctx.TransactionDepth())
		}
		return ctx.CommitTransaction()
	}})

	rt.Process(selectCmd("A000000001"))
	if rolledBack {
		t.Error("committed transaction was rolled back")
	}
}

type resettableChannel struct {
	SecureChannel
	resets int
}

func (r *resettableChannel) ResetSecurity() { r.resets++ }

func TestRuntime_Reset(t *testing.T) {
	var calls []string
	var onReset []byte
	rt := newTestRuntime()
	sc := &resettableChannel{}
	rt.SetSecureChannel(sc)
	install(t, rt, "A000000001", &hookRecorder{name: "a", calls: &calls, process: func(ctx *Context) error {
		onReset = ctx.MakeTransient(2, ClearOnReset)
		onReset[0] = 0xFF
		return nil
	}})

	rt.Process(selectCmd("A000000001"))
	rt.Reset()

	if _, ok := rt.Selected(); ok {
		t.Error("still selected after reset")
	}
	if calls[len(calls)-1] != "a.deselect" {
		t.Errorf("deselect hook not called: %v", calls)
	}
	if onReset[0] != 0 {
		t.Error("CLEAR_ON_RESET memory survived reset")
	}
	if sc.resets != 1 {
		t.Errorf("ResetSecurity called %d times", sc.resets)
	}
	if resp := rt.Process(tlv.Hex("80 01 00 00")); resp.Status != SWCommandNotAllowed {
		t.Errorf("status after reset = %s, want 6986", resp.Status)
	}
}

func TestRuntime_Install(t *testing.T) {
	id := aid.MustParse("A000000001")

	t.Run("Block layout", func(t *testing.T) {
		rt := newTestRuntime()
		var got InstallBlock
		err := rt.Install(id, func(reg *Registrar, block []byte) error {
			var err error
			if got, err = ParseInstallBlock(block); err != nil {
				return err
			}
			if diff := cmp.Diff(tlv.Hex("05 A000000001 00 02 C900"), block); diff != "" {
				t.Errorf("block mismatch (-want +got):\n%s", diff)
			}
			return reg.Register(&hookRecorder{calls: new([]string)})
		}, tlv.Hex("C900"))
		if err != nil {
			t.Fatalf("Install: %v", err)
		}
		if !got.AID.Equal(id) || len(got.Privileges) != 0 {
			t.Errorf("parsed block = %+v", got)
		}
	})

	t.Run("No registration", func(t *testing.T) {
		rt := newTestRuntime()
		err := rt.Install(id, func(*Registrar, []byte) error { return nil }, nil)
		if !errors.Is(err, ErrNotRegistered) {
			t.Errorf("expected ErrNotRegistered, got %v", err)
		}
	})

	t.Run("Two registrations", func(t *testing.T) {
		rt := newTestRuntime()
		err := rt.Install(id, func(reg *Registrar, _ []byte) error {
			_ = reg.Register(&hookRecorder{calls: new([]string)})
			return reg.RegisterAs(&hookRecorder{calls: new([]string)}, aid.MustParse("A000000002"))
		}, nil)
		if !errors.Is(err, ErrNotRegistered) {
			t.Errorf("expected ErrNotRegistered, got %v", err)
		}
		if rt.Registry().Len() != 0 {
			t.Error("partial install left records behind")
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		rt := newTestRuntime()
		install(t, rt, "A000000001", &hookRecorder{calls: new([]string)})
		err := rt.Install(id, func(reg *Registrar, _ []byte) error {
			return reg.Register(&hookRecorder{calls: new([]string)})
		}, nil)
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("Factory panic", func(t *testing.T) {
		rt := newTestRuntime()
		err := rt.Install(id, func(*Registrar, []byte) error { panic("bad params") }, nil)
		if err == nil {
			t.Error("expected error from panicking factory")
		}
	})
}

type uninstallRecorder struct {
	hookRecorder
	uninstalled bool
	fail        bool
}

func (u *uninstallRecorder) Uninstall(*Context) error {
	u.uninstalled = true
	if u.fail {
		panic("cleanup failed")
	}
	return nil
}

func TestRuntime_Uninstall(t *testing.T) {
	for _, fail := range []bool{false, true} {
		var calls []string
		rt := newTestRuntime()
		app := &uninstallRecorder{hookRecorder: hookRecorder{name: "a", calls: &calls}, fail: fail}
		install(t, rt, "A000000001", app)
		rt.Process(selectCmd("A000000001"))

		if err := rt.Uninstall(aid.MustParse("A000000001")); err != nil {
			t.Fatalf("Uninstall: %v", err)
		}
		if !app.uninstalled {
			t.Error("uninstall hook not called")
		}
		if _, ok := rt.Selected(); ok {
			t.Error("deleted application still selected")
		}
		if rt.Registry().Len() != 0 {
			t.Error("record not removed")
		}
	}

	rt := newTestRuntime()
	if err := rt.Uninstall(aid.MustParse("A000000009")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
