package tlv

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when an LV field announces more bytes than are available.
var ErrTruncated = errors.New("truncated LV field")

// LV builds a sequence of one-byte-length prefixed values.
// Values longer than 255 bytes are rejected.
func LV(values ...[]byte) ([]byte, error) {
	size := 0
	for _, v := range values {
		size += 1 + len(v)
	}

	out := make([]byte, 0, size)
	for i, v := range values {
		if len(v) > 0xFF {
			return nil, fmt.Errorf("LV field %d: length %d exceeds 255", i, len(v))
		}
		out = append(out, byte(len(v)))
		out = append(out, v...)
	}
	return out, nil
}

// LVReader walks a buffer of LV fields.
type LVReader struct {
	data []byte
	off  int
}

// NewLVReader returns a reader positioned at the first field of data.
func NewLVReader(data []byte) *LVReader {
	return &LVReader{data: data}
}

// Next returns the next value. The returned slice aliases the input buffer.
func (r *LVReader) Next() ([]byte, error) {
	if r.off >= len(r.data) {
		return nil, fmt.Errorf("offset %d: %w", r.off, ErrTruncated)
	}
	n := int(r.data[r.off])
	start := r.off + 1
	if start+n > len(r.data) {
		return nil, fmt.Errorf("offset %d wants %d bytes: %w", r.off, n, ErrTruncated)
	}
	r.off = start + n
	return r.data[start:r.off], nil
}

// Remaining reports how many unread bytes are left.
func (r *LVReader) Remaining() int {
	return len(r.data) - r.off
}
