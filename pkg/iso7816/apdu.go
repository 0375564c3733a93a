package iso7816

import (
	"bytes"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A mandatory 4-byte header (CLA INS P1 P2) followed by an optional body
// (Lc, data, Le). See case.go for how a receiver recovers the body layout.
//
// RESPONSE APDU (R-APDU):
// An optional data field followed by the mandatory 2-byte status word (SW1 SW2).
//
// LENGTH MODES:
//   - Short: Lc/Le on 1 byte (max 255/256).
//   - Extended: Lc on 3 bytes (00 + 2), Le on 2 or 3 bytes (max 65535/65536).
//     Extended mode is used when Lc > 255 or Le > 256.

// APDU limits.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode.
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length in Short Length mode (Le 00).
	MaxShortLe = 256

	// MaxExtendedLc is the limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in Extended Length mode (Le 0000).
	MaxExtendedLe = 65536

	// MaxAPDUBufferSize bounds an extended command: header, 3-byte Lc, data, 2-byte Le.
	MaxAPDUBufferSize = 4 + 3 + MaxExtendedLc + 2 + 1
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// ParseCommandAPDU decodes a raw C-APDU. The class and instruction bytes are decoded
// leniently: values the constructors would reject (CLA FF, INS 6X/9X) are kept raw so
// a receiver can still answer with a status word.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	info, err := DetectCase(raw)
	if err != nil {
		return nil, err
	}

	cla, err := NewClass(raw[0])
	if err != nil {
		cla = Class{Raw: raw[0], IsProprietary: true}
	}
	ins, err := NewInstruction(InsCode(raw[1]))
	if err != nil {
		ins = Instruction{Raw: InsCode(raw[1])}
	}

	cmd := &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          raw[2],
		P2:          raw[3],
		Ne:          info.Ne(),
	}
	if info.Case.HasData() {
		cmd.Data = append([]byte(nil), raw[info.DataOffset:info.DataOffset+info.Lc]...)
	}
	return cmd, nil
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
// It selects Short or Extended encoding from the data length (Nc) and Ne.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	class, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}
	buf.WriteByte(class)
	buf.WriteByte(byte(c.Instruction.Raw))
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	nc := len(c.Data)
	ne := c.Ne
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("data length %d exceeds %d", nc, MaxExtendedLc)
	}

	isExtended := nc > MaxShortLc || ne > MaxShortLe

	if nc > 0 {
		if !isExtended {
			buf.WriteByte(byte(nc))
		} else {
			buf.WriteByte(0x00)
			buf.WriteByte(byte(nc >> 8))
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if ne > 0 {
		if !isExtended {
			// 0x00 represents 256
			buf.WriteByte(byte(ne))
		} else {
			// Without Lc a leading 00 distinguishes the extended Le from a short Lc.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			// 0x0000 represents 65536
			buf.WriteByte(byte(ne >> 8))
			buf.WriteByte(byte(ne))
		}
	}

	return buf.Bytes(), nil
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | CLA: %02X | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.Class.Raw, c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	indexSW1 := len(raw) - 2
	return &ResponseAPDU{
		Data:   raw[:indexSW1],
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// Bytes encodes the response as data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
