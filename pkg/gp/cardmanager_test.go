package gp

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

func TestCardManager_SelectFCI(t *testing.T) {
	f := newFixture(t, 0x02)

	resp := f.rt.Process(tlv.Hex("00 A4 04 00 08 A0 00 00 01 51 00 00 00 00"))
	if resp.Status != iso7816.SW_NO_ERROR {
		t.Fatalf("status = %s", resp.Status)
	}
	want := tlv.Hex("6F 17 84 08 A0 00 00 01 51 00 00 00 A5 0B 9F 6E 04 06 40 51 53 9F 65 01 FF")
	if diff := cmp.Diff(want, resp.Data); diff != "" {
		t.Errorf("FCI mismatch (-want +got):\n%s", diff)
	}
}

func TestCardManager_ClassAndInstruction(t *testing.T) {
	f := newFixture(t, 0x02)

	if got := f.rt.Process(tlv.Hex("00 F2 40 02 00")).Status; got != iso7816.SW_ERR_CLA_NOT_SUPPORTED {
		t.Errorf("ISO class: status = %s, want 6E00", got)
	}
	if got := f.rt.Process(tlv.Hex("80 CA 00 66 00")).Status; got != iso7816.SW_ERR_INS_INVALID {
		t.Errorf("unknown INS: status = %s, want 6D00", got)
	}
}

func TestCardManager_RequiresAuthentication(t *testing.T) {
	f := newFixture(t, 0x02)

	for _, cmd := range []string{
		"80 E6 0C 00 02 00 00 00",
		"80 E4 00 00 02 4F 00 00",
		"80 F2 40 02 02 4F 00 00",
	} {
		if got := f.rt.Process(tlv.Hex(cmd)).Status; got != iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT {
			t.Errorf("%s: status = %s, want 6982", cmd, got)
		}
	}
}

func TestCardManager_InstallListDelete(t *testing.T) {
	for _, level := range []Level{LevelNone, LevelCMAC, LevelCMAC | LevelCDecryption} {
		t.Run(level.String(), func(t *testing.T) {
			f := newFixture(t, 0x02)
			f.open(t, level)

			if err := f.host.Install(testModule, testApp, []byte("params")); err != nil {
				t.Fatalf("Install: %v", err)
			}
			if len(f.apps) != 1 || string(f.apps[0].params) != "params" {
				t.Fatalf("installed apps = %+v", f.apps)
			}
			if _, ok := f.rt.Lookup(testApp); !ok {
				t.Fatal("application not registered")
			}

			apps, err := f.host.Applications()
			if err != nil {
				t.Fatalf("Applications: %v", err)
			}
			want := []ApplicationStatus{{AID: testApp.Bytes(), LifeCycle: 0x07, Privileges: []byte{0x00}}}
			if diff := cmp.Diff(want, apps); diff != "" {
				t.Errorf("GET STATUS mismatch (-want +got):\n%s", diff)
			}

			if err := f.host.Delete(testApp); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok := f.rt.Lookup(testApp); ok {
				t.Error("application still registered after DELETE")
			}
			if _, err := f.host.Applications(); statusOf(err) != iso7816.SW_ERR_REF_DATA_NOT_FOUND {
				t.Errorf("GET STATUS on empty card: %v", err)
			}
		})
	}
}

func TestCardManager_InstallErrors(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	if err := f.host.Install(aid.MustParse("A0000000629999"), testApp, nil); statusOf(err) != iso7816.SW_ERR_REF_DATA_NOT_FOUND {
		t.Errorf("unknown module: %v", err)
	}
	if err := f.host.Install(testModule, testApp, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.host.Install(testModule, testApp, nil); statusOf(err) != iso7816.SW_ERR_INCORRECT_PARAMS_DATA {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := f.host.Send(f.host.command(InsInstall, 0x02, 0x00, []byte{0x00}, iso7816.MaxShortLe)); statusOf(err) != iso7816.SW_ERR_INCORRECT_PARAMS_P1P2 {
		t.Errorf("INSTALL for load: %v", err)
	}
	if _, err := f.host.Send(f.host.command(InsInstall, installForInstall, 0x00, []byte{0x00, 0x00}, iso7816.MaxShortLe)); statusOf(err) != iso7816.SW_ERR_INCORRECT_PARAMS_DATA {
		t.Errorf("truncated INSTALL data: %v", err)
	}
}

func TestCardManager_DeleteErrors(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	if err := f.host.Delete(CardManagerAID); statusOf(err) != iso7816.SW_ERR_COND_OF_USE_NOT_SAT {
		t.Errorf("delete card manager: %v", err)
	}
	if err := f.host.Delete(testApp); statusOf(err) != iso7816.SW_ERR_REF_DATA_NOT_FOUND {
		t.Errorf("delete missing: %v", err)
	}
	if _, err := f.host.Send(f.host.command(InsDelete, 0x00, 0x00, tlv.Hex("C5 01 00"), iso7816.MaxShortLe)); statusOf(err) != iso7816.SW_ERR_INCORRECT_PARAMS_DATA {
		t.Errorf("delete without 4F: %v", err)
	}
}

func TestCardManager_GetStatusMoreData(t *testing.T) {
	f := newFixture(t, 0x02)
	f.open(t, LevelCMAC)

	// Each entry is 18 bytes: 14 of them fit in a short response.
	for i := range 15 {
		id := aid.MustParse(fmt.Sprintf("A00000006201%02X", i))
		if err := f.host.Install(testModule, id, nil); err != nil {
			t.Fatalf("Install %s: %v", id, err)
		}
	}

	apps, err := f.host.Applications()
	if err != nil {
		t.Fatalf("Applications: %v", err)
	}
	if len(apps) != 14 {
		t.Errorf("got %d entries, want 14", len(apps))
	}
}

func TestParseInstallRequest(t *testing.T) {
	params := tlv.Hex("C9 03 01 02 03")
	data, err := tlv.LV(testModule.RID(), testModule.Bytes(), testApp.Bytes(), []byte{0x00}, params, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, err := parseInstallRequest(data)
	if err != nil {
		t.Fatal(err)
	}
	if !req.module.Equal(testModule) || !req.application.Equal(testApp) {
		t.Errorf("module %s application %s", req.module, req.application)
	}
	if diff := cmp.Diff(tlv.Hex("01 02 03"), req.params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseInstallRequest(data[:len(data)-1]); err == nil {
		t.Error("truncated request accepted")
	}
}
