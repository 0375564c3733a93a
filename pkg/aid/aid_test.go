package aid

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNew_Length(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		wantErr bool
	}{
		{"Empty", 0, true},
		{"Four bytes", 4, true},
		{"RID only", 5, false},
		{"Maximum", 16, false},
		{"Seventeen bytes", 17, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(make([]byte, tt.n))
			if tt.wantErr != (err != nil) {
				t.Fatalf("New(%d bytes) error = %v, wantErr %v", tt.n, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrLength) {
				t.Errorf("expected ErrLength, got %v", err)
			}
		})
	}
}

func TestAID_Immutable(t *testing.T) {
	raw := []byte{0xA0, 0x00, 0x00, 0x00, 0x03}
	a, _ := New(raw)
	raw[0] = 0xFF

	out := a.Bytes()
	out[1] = 0xFF

	if a.String() != "A000000003" {
		t.Errorf("AID changed through aliasing: %s", a)
	}
}

func TestAID_Matching(t *testing.T) {
	a := MustParse("A0000000031010")

	tests := []struct {
		name         string
		in           []byte
		exact, match bool
	}{
		{"Exact", []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}, true, true},
		{"RID prefix", []byte{0xA0, 0x00, 0x00, 0x00, 0x03}, false, true},
		{"Longer", []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10, 0x01}, false, false},
		{"Different", []byte{0xA0, 0x00, 0x00, 0x00, 0x04}, false, false},
		{"Empty", nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Matches(tt.in); got != tt.exact {
				t.Errorf("Matches() = %v, want %v", got, tt.exact)
			}
			if got := a.HasPrefix(tt.in); got != tt.match {
				t.Errorf("HasPrefix() = %v, want %v", got, tt.match)
			}
		})
	}
}

func TestAID_Compare(t *testing.T) {
	ids := []AID{
		MustParse("A000000151000000"),
		MustParse("A0000000031010"),
		MustParse("A000000003"),
		MustParse("315041592E5359532E4444463031"),
	}
	slices.SortFunc(ids, AID.Compare)

	var got []string
	for _, id := range ids {
		got = append(got, id.String())
	}
	want := []string{
		"315041592E5359532E4444463031",
		"A000000003",
		"A0000000031010",
		"A000000151000000",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sort order mismatch (-want +got):\n%s", diff)
	}
}

func TestAID_UnmarshalText(t *testing.T) {
	var a AID
	if err := a.UnmarshalText([]byte("A0 00 00 00 62 00 01")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if !a.Equal(MustParse("A0000000620001")) {
		t.Errorf("got %s", a)
	}
	if err := a.UnmarshalText([]byte("ZZ")); err == nil {
		t.Error("expected error for invalid hex")
	}
}
