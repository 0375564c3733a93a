package iso7816

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"

	"github.com/gregLibert/secure-element/pkg/tlv"
)

// SELECT RESPONSE DATA according to ISO/IEC 7816-4 §7.4.
//
// P2 bits 4-3 choose the answer:
// - 00: FCI, tag '6F'. It may nest '62' and '64' or carry their tags directly.
// - 01: FCP, tag '62' (mandatory).
// - 10: FMD, tag '64' (mandatory).
// - 11: nothing.
//
// Cards disagree on the nesting, so all three are decoded into one flat FileInfo.
// Proprietary answers (first byte >= C0) are kept raw.

// FileInfo is the decoded answer to a SELECT.
type FileInfo struct {
	FileDescriptor []byte `tlv:"82"`
	FileID         []byte `tlv:"83"`
	DFName         []byte `tlv:"84"`
	Label          []byte `tlv:"50"`
	LifeCycle      []byte `tlv:"8A"`
	// Proprietary is the content of the 'A5' template.
	Proprietary []byte `tlv:"A5"`

	Unknown []bertlv.TLV `tlv:",unknown"`

	// Raw holds an answer that is not BER-TLV.
	Raw []byte
}

// Named reports whether the answer carries the DF name id.
func (fi *FileInfo) Named(id []byte) bool {
	return fi != nil && len(fi.DFName) > 0 && bytes.Equal(fi.DFName, id)
}

// ParseFileInfo decodes the data of a SELECT answer sent with selection control ctrl.
// It returns nil, nil when there is nothing to decode.
func ParseFileInfo(data []byte, ctrl SelectionControl) (*FileInfo, error) {
	if len(data) == 0 || ctrl == ReturnNoData {
		return nil, nil
	}
	if data[0] >= 0xC0 {
		return &FileInfo{Raw: data}, nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("select data: %w", err)
	}

	var want string
	switch ctrl {
	case ReturnFCP:
		want = "62"
	case ReturnFMD:
		want = "64"
	case ReturnFCI:
		if p, ok := tlv.Find(packets, "6F"); ok {
			packets = p.TLVs
		}
		// '62' and '64' inside the FCI are merged; anything else is read flat.
		var flat []bertlv.TLV
		for _, p := range packets {
			if strings.EqualFold(p.Tag, "62") || strings.EqualFold(p.Tag, "64") {
				flat = append(flat, p.TLVs...)
				continue
			}
			flat = append(flat, p)
		}
		return decodeFileInfo(flat)
	default:
		return nil, fmt.Errorf("select data: unknown selection control %02X", byte(ctrl))
	}

	p, ok := tlv.Find(packets, want)
	if !ok {
		return nil, fmt.Errorf("select data: %s: mandatory tag '%s' not found", ctrl, want)
	}
	return decodeFileInfo(p.TLVs)
}

func decodeFileInfo(packets []bertlv.TLV) (*FileInfo, error) {
	fi := &FileInfo{}
	if err := tlv.UnmarshalFromPackets(packets, fi); err != nil {
		return nil, fmt.Errorf("select data: %w", err)
	}
	return fi, nil
}
