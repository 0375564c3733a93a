package iso7816

import (
	"errors"
	"fmt"
)

// COMMAND CASE DETECTION (ISO 7816-3 / 7816-4):
// The card only sees a raw byte string. Which fields are present is inferred from the
// total length and from the byte following the header (the "Lc position", index 4):
//
//   len == 4                      -> Case 1   (header only)
//   len == 5                      -> Case 2   (header + Le)
//   len == 7 and B4 == 00         -> Case 2E  (header + 00 + Le Le)
//   B4 == 00, Lc = B5B6:
//       7 + Lc     == len         -> Case 3E  (header + 00 Lc Lc + data)
//       7 + Lc + 2 == len         -> Case 4E  (header + 00 Lc Lc + data + Le Le)
//   B4 != 00, Lc = B4:
//       5 + Lc     == len         -> Case 3   (header + Lc + data)
//       5 + Lc + 1 == len         -> Case 4   (header + Lc + data + Le)
//
// Anything else is malformed. A zero Le encodes the maximum for its encoding.

// Case identifies which body fields a command carries and how their lengths are encoded.
type Case int

const (
	CaseUnknown Case = iota
	Case1
	Case2
	Case3
	Case4
	Case2Extended
	Case3Extended
	Case4Extended
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "Case 1"
	case Case2:
		return "Case 2"
	case Case3:
		return "Case 3"
	case Case4:
		return "Case 4"
	case Case2Extended:
		return "Case 2 Extended"
	case Case3Extended:
		return "Case 3 Extended"
	case Case4Extended:
		return "Case 4 Extended"
	default:
		return "Unknown Case"
	}
}

// IsExtended reports whether the command uses extended length fields.
func (c Case) IsExtended() bool {
	return c >= Case2Extended
}

// HasData reports whether the command carries a data field.
func (c Case) HasData() bool {
	return c == Case3 || c == Case4 || c == Case3Extended || c == Case4Extended
}

// HasLe reports whether the command carries an Le field.
func (c Case) HasLe() bool {
	return c == Case2 || c == Case4 || c == Case2Extended || c == Case4Extended
}

// Header sizes for short and extended commands.
const (
	HeaderSize         = 4
	ShortHeaderSize    = 5 // CLA INS P1 P2 Lc
	ExtendedHeaderSize = 7 // CLA INS P1 P2 00 Lc Lc
)

// ErrMalformed is returned for byte strings that match no command case.
var ErrMalformed = errors.New("malformed command APDU")

// CaseInfo is the result of classifying a raw command.
type CaseInfo struct {
	Case Case

	// Lc is the number of data bytes (Nc).
	Lc int

	// DataOffset is the index of the first data byte (5 or 7).
	DataOffset int

	// Le is the raw Le value as encoded; LeZero is true when the encoded field was zero,
	// meaning "maximum" for the encoding in use.
	Le     int
	LeZero bool
}

// DetectCase classifies a raw command APDU.
func DetectCase(raw []byte) (CaseInfo, error) {
	n := len(raw)
	switch {
	case n < HeaderSize:
		return CaseInfo{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, n, HeaderSize)
	case n == HeaderSize:
		return CaseInfo{Case: Case1, DataOffset: ShortHeaderSize}, nil
	case n == ShortHeaderSize:
		le := int(raw[4])
		return CaseInfo{Case: Case2, DataOffset: ShortHeaderSize, Le: le, LeZero: le == 0}, nil
	case n == ExtendedHeaderSize && raw[4] == 0:
		le := int(raw[5])<<8 | int(raw[6])
		return CaseInfo{Case: Case2Extended, DataOffset: ExtendedHeaderSize, Le: le, LeZero: le == 0}, nil
	}

	if raw[4] == 0 {
		if n < ExtendedHeaderSize {
			return CaseInfo{}, fmt.Errorf("%w: truncated extended Lc", ErrMalformed)
		}
		lc := int(raw[5])<<8 | int(raw[6])
		info := CaseInfo{Lc: lc, DataOffset: ExtendedHeaderSize}
		switch n {
		case ExtendedHeaderSize + lc:
			info.Case = Case3Extended
		case ExtendedHeaderSize + lc + 2:
			info.Case = Case4Extended
			info.Le = int(raw[n-2])<<8 | int(raw[n-1])
			info.LeZero = info.Le == 0
		default:
			return CaseInfo{}, fmt.Errorf("%w: extended Lc %d inconsistent with length %d", ErrMalformed, lc, n)
		}
		return info, nil
	}

	lc := int(raw[4])
	info := CaseInfo{Lc: lc, DataOffset: ShortHeaderSize}
	switch n {
	case ShortHeaderSize + lc:
		info.Case = Case3
	case ShortHeaderSize + lc + 1:
		info.Case = Case4
		info.Le = int(raw[n-1])
		info.LeZero = info.Le == 0
	default:
		return CaseInfo{}, fmt.Errorf("%w: Lc %d inconsistent with length %d", ErrMalformed, lc, n)
	}
	return info, nil
}

// Ne returns the expected response length, expanding a zero Le to the maximum of its
// encoding: 256 for short commands, MaxExtendedLe for extended ones.
func (ci CaseInfo) Ne() int {
	if !ci.Case.HasLe() {
		return 0
	}
	if ci.LeZero {
		if ci.Case.IsExtended() {
			return MaxExtendedLe
		}
		return MaxShortLe
	}
	return ci.Le
}
