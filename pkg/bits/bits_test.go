package bits

import "testing"

func TestBit(t *testing.T) {
	tests := []struct {
		n        uint
		expected byte
	}{
		{1, 0x01}, {5, 0x10}, {8, 0x80}, {0, 0x00},
		{9, 0x00}, // out of range, silently ignored
	}

	for _, tt := range tests {
		if res := Bit(tt.n); res != tt.expected {
			t.Errorf("Bit(%d) = 0x%02X; want 0x%02X", tt.n, res, tt.expected)
		}
	}
}

func TestSetClear(t *testing.T) {
	b := Set(0, 3)
	if b != 0x04 || !IsSet(b, 3) {
		t.Fatalf("Set(0, 3) = 0x%02X", b)
	}
	if b = Clear(b, 3); b != 0 {
		t.Errorf("Clear(0x04, 3) = 0x%02X; want 0x00", b)
	}
	if IsSet(0b10100101, 7) {
		t.Error("bit 7 should not be set")
	}
}

func TestMaskAndRange(t *testing.T) {
	tests := []struct {
		name      string
		input     byte
		high, low uint
		mask      byte
		rng       byte
	}{
		{"Bits 4-3 of 0x0C", 0b0000_1100, 4, 3, 0x0C, 3},
		{"Bits 2-1 of 0x07", 0b0000_0111, 2, 1, 0x03, 3},
		{"Bits 4-1 of 0xFF", 0xFF, 4, 1, 0x0F, 15},
		{"Bits 8-7 of 0x40", 0b0100_0000, 8, 7, 0xC0, 1},
		{"Full byte", 0xAA, 8, 1, 0xFF, 0xAA},
		{"Inverted range", 0xAA, 1, 8, 0x00, 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m := Mask(tt.high, tt.low); m != tt.mask {
				t.Errorf("Mask(%d, %d) = 0x%02X; want 0x%02X", tt.high, tt.low, m, tt.mask)
			}
			if r := GetRange(tt.input, tt.high, tt.low); r != tt.rng {
				t.Errorf("GetRange(0x%02X, %d, %d) = %d; want %d", tt.input, tt.high, tt.low, r, tt.rng)
			}
		})
	}
}

func TestHasAll(t *testing.T) {
	if !HasAll(0x93, 0x81) {
		t.Error("0x93 should contain 0x81")
	}
	if HasAll(0x13, 0x81) {
		t.Error("0x13 should not contain 0x81")
	}
}
