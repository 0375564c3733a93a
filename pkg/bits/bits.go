// Package bits manipulates single bytes using the 1-based bit numbering of the
// ISO/IEC 7816 tables (b8 is the most significant bit, b1 the least).
package bits

// Bit returns a byte with only bit n set. Out-of-range positions yield 0.
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet reports whether bit n of b is set.
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// Set returns b with bit n set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear returns b with bit n cleared.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

// Mask returns a byte with bits high..low set, e.g. Mask(2, 1) == 0x03.
func Mask(high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}
	width := high - low + 1
	return byte((1<<width)-1) << (low - 1)
}

// GetRange extracts bits high..low of b, shifted down to bit 1.
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11).
func GetRange(b byte, high, low uint) byte {
	m := Mask(high, low)
	if m == 0 {
		return 0
	}
	return (b & m) >> (low - 1)
}

// HasAll reports whether every bit of want is set in b.
func HasAll(b, want byte) bool {
	return b&want == want
}
