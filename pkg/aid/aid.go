// Package aid implements Application Identifiers (ISO/IEC 7816-5).
//
// An AID is 5 to 16 bytes: a 5-byte Registered Application Provider Identifier (RID)
// optionally followed by up to 11 bytes of Proprietary Application Identifier Extension (PIX).
package aid

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Length bounds.
const (
	MinLength = 5
	MaxLength = 16
	RIDLength = 5
)

// ErrLength is returned when an identifier is shorter than MinLength or longer than MaxLength.
var ErrLength = errors.New("aid: length out of range")

// AID is an immutable application identifier. The zero value is not a valid AID.
type AID struct {
	b string
}

// New copies b into a new AID.
func New(b []byte) (AID, error) {
	if len(b) < MinLength || len(b) > MaxLength {
		return AID{}, fmt.Errorf("%w: %d bytes", ErrLength, len(b))
	}
	return AID{b: string(b)}, nil
}

// Parse decodes a hexadecimal AID. Spaces are ignored.
func Parse(s string) (AID, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return AID{}, fmt.Errorf("aid: %w", err)
	}
	return New(raw)
}

// MustParse is like Parse but panics on error. Intended for package-level constants.
func MustParse(s string) AID {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns a copy of the identifier bytes.
func (a AID) Bytes() []byte {
	return []byte(a.b)
}

// Len returns the identifier length in bytes.
func (a AID) Len() int {
	return len(a.b)
}

// IsZero reports whether a is the zero value.
func (a AID) IsZero() bool {
	return a.b == ""
}

// RID returns the registered provider part.
func (a AID) RID() []byte {
	if len(a.b) < RIDLength {
		return nil
	}
	return []byte(a.b[:RIDLength])
}

// Equal reports whether both identifiers are byte-for-byte identical.
func (a AID) Equal(o AID) bool {
	return a.b == o.b
}

// Matches reports whether b equals the identifier exactly.
func (a AID) Matches(b []byte) bool {
	return a.b == string(b)
}

// HasPrefix reports whether b is a prefix of the identifier. SELECT by name uses this for
// partial selection; an empty b is a prefix of every identifier.
func (a AID) HasPrefix(b []byte) bool {
	return strings.HasPrefix(a.b, string(b))
}

// Compare orders identifiers lexicographically by their bytes.
func (a AID) Compare(o AID) int {
	return bytes.Compare([]byte(a.b), []byte(o.b))
}

func (a AID) String() string {
	return strings.ToUpper(hex.EncodeToString([]byte(a.b)))
}

// MarshalText implements encoding.TextMarshaler.
func (a AID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so AIDs decode directly from
// configuration files.
func (a *AID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
