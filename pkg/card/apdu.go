package card

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// TRANSFER STATE MACHINE:
// The APDU object holds the single in-flight command of a card. Application code pulls
// the command data into a fixed buffer and pushes the response back through it:
//
//   INITIAL -> PARTIAL_INCOMING <-> FULL_INCOMING
//           -> OUTGOING -> OUTGOING_LENGTH_KNOWN -> PARTIAL_OUTGOING <-> FULL_OUTGOING
//
// Receive may be skipped (Case 1 and 2 carry no data). Each transition is one-way:
// calling an earlier step after a later one is an IllegalUse error.

// BufferSize is the size of the APDU buffer: a 5-byte header, 255 data bytes and Le.
const BufferSize = 261

// ExtendedLeSentinel is the Ne reported for an extended Le of 0000.
const ExtendedLeSentinel = 32767

// Protocol is the transport protocol the command arrived on.
type Protocol byte

const (
	ProtocolT0 Protocol = iota
	ProtocolT1
	ProtocolContactless
)

func (p Protocol) String() string {
	switch p {
	case ProtocolT0:
		return "T=0"
	case ProtocolT1:
		return "T=1"
	case ProtocolContactless:
		return "T=CL"
	default:
		return fmt.Sprintf("Protocol(%d)", byte(p))
	}
}

// ParseProtocol accepts "T=0", "T=1" and "T=CL" (case-insensitive, the "T=" prefix is optional).
func ParseProtocol(s string) (Protocol, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "T=") {
	case "0":
		return ProtocolT0, nil
	case "1":
		return ProtocolT1, nil
	case "CL":
		return ProtocolContactless, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// InBlockSize returns the number of bytes a single Receive is expected to move.
func (p Protocol) InBlockSize() int {
	if p == ProtocolT0 {
		return 1
	}
	return 254
}

// OutBlockSize returns the maximum number of bytes sent in one block.
func (p Protocol) OutBlockSize() int {
	if p == ProtocolT0 {
		return 258
	}
	return 254
}

// State is the position of the APDU object in the transfer state machine.
type State int

const (
	StateInitial State = iota
	StatePartialIncoming
	StateFullIncoming
	StateOutgoing
	StateOutgoingLengthKnown
	StatePartialOutgoing
	StateFullOutgoing
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StatePartialIncoming:
		return "PARTIAL_INCOMING"
	case StateFullIncoming:
		return "FULL_INCOMING"
	case StateOutgoing:
		return "OUTGOING"
	case StateOutgoingLengthKnown:
		return "OUTGOING_LENGTH_KNOWN"
	case StatePartialOutgoing:
		return "PARTIAL_OUTGOING"
	case StateFullOutgoing:
		return "FULL_OUTGOING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// APDU is the transfer state of the current command.
type APDU struct {
	protocol Protocol
	buf      [BufferSize]byte
	raw      []byte
	info     iso7816.CaseInfo
	state    State
	extended bool

	cursor    int // next unread data byte in raw
	remaining int // data bytes not yet received
	le        int
	lr        int
	out       []byte
}

// reset prepares the APDU for a new command. raw must already be classified as info.
func (a *APDU) reset(protocol Protocol, raw []byte, info iso7816.CaseInfo, extended bool) {
	clear(a.buf[:])
	a.protocol = protocol
	a.raw = raw
	a.info = info
	a.state = StateInitial
	a.extended = extended
	a.out = a.out[:0]
	a.lr = 0

	header := iso7816.ShortHeaderSize
	if info.Case.IsExtended() {
		header = iso7816.ExtendedHeaderSize
	}
	copy(a.buf[:header], raw)

	a.cursor = info.DataOffset
	a.remaining = 0
	if info.Case.HasData() {
		a.remaining = info.Lc
	}

	a.le = info.Ne()
	if info.LeZero && info.Case.IsExtended() {
		a.le = ExtendedLeSentinel
	}
}

func (a *APDU) fail(op string, reason APDUReason) error {
	return &APDUError{Reason: reason, Op: op, State: a.state}
}

// Buffer returns the APDU buffer. The header is at offset 0 and data, once received,
// starts at DataOffset.
func (a *APDU) Buffer() []byte { return a.buf[:] }

// State returns the current transfer state.
func (a *APDU) State() State { return a.state }

// Protocol returns the transport protocol of the current command.
func (a *APDU) Protocol() Protocol { return a.protocol }

// Case returns the ISO 7816-4 case of the current command.
func (a *APDU) Case() iso7816.Case { return a.info.Case }

// IsExtended reports whether the command uses extended length and the target accepted it.
func (a *APDU) IsExtended() bool { return a.extended }

// Lc returns the number of data bytes carried by the command.
func (a *APDU) Lc() int { return a.info.Lc }

// Le returns the expected response length (Ne).
func (a *APDU) Le() int { return a.le }

// DataOffset returns the offset of the first data byte in the buffer (5 or 7).
func (a *APDU) DataOffset() int { return a.info.DataOffset }

// InBlockSize returns the inbound block size of the current protocol.
func (a *APDU) InBlockSize() int { return a.protocol.InBlockSize() }

// OutBlockSize returns the outbound block size of the current protocol.
func (a *APDU) OutBlockSize() int { return a.protocol.OutBlockSize() }

// Command decodes the current command for logging and inspection.
func (a *APDU) Command() (*iso7816.CommandAPDU, error) {
	return iso7816.ParseCommandAPDU(a.raw)
}

// Receive copies pending command data into the buffer at offset and returns the number
// of bytes copied. Once all data has been received it returns 0.
func (a *APDU) Receive(offset int) (int, error) {
	if a.state >= StateOutgoing {
		return 0, a.fail("receive", IllegalUse)
	}
	if a.state == StateFullIncoming {
		return 0, nil
	}
	if offset < 0 || offset >= BufferSize {
		return 0, a.fail("receive", BufferBounds)
	}

	n := min(a.remaining, BufferSize-offset)
	copy(a.buf[offset:offset+n], a.raw[a.cursor:a.cursor+n])
	a.cursor += n
	a.remaining -= n

	if a.remaining == 0 {
		a.state = StateFullIncoming
	} else {
		a.state = StatePartialIncoming
	}
	return n, nil
}

// SetIncomingAndReceive starts reception at DataOffset. It is only legal as the first
// call on the APDU.
func (a *APDU) SetIncomingAndReceive() (int, error) {
	if a.state != StateInitial {
		return 0, a.fail("setIncomingAndReceive", IllegalUse)
	}
	return a.Receive(a.DataOffset())
}

// ReceiveAll receives the whole command data field and returns a copy of it. Extended
// data is gathered block by block through the buffer.
func (a *APDU) ReceiveAll() ([]byte, error) {
	data := make([]byte, 0, a.info.Lc)
	for {
		n, err := a.Receive(a.DataOffset())
		if err != nil {
			return nil, err
		}
		data = append(data, a.buf[a.DataOffset():a.DataOffset()+n]...)
		if a.state == StateFullIncoming {
			return data, nil
		}
	}
}

// SetOutgoing switches the APDU to the outgoing direction and returns Ne.
func (a *APDU) SetOutgoing() (int, error) {
	if a.state >= StateOutgoing {
		return 0, a.fail("setOutgoing", IllegalUse)
	}
	a.state = StateOutgoing
	return a.le, nil
}

// SetOutgoingLength declares the number of response bytes that will be sent.
func (a *APDU) SetOutgoingLength(n int) error {
	if a.state != StateOutgoing {
		return a.fail("setOutgoingLength", IllegalUse)
	}
	limit := iso7816.MaxShortLe
	if a.extended {
		limit = ExtendedLeSentinel
	}
	if n < 0 || n > limit {
		return a.fail("setOutgoingLength", BadLength)
	}
	a.lr = n
	a.state = StateOutgoingLengthKnown
	return nil
}

// Send appends n buffer bytes starting at offset to the response.
func (a *APDU) Send(offset, n int) error {
	if a.state < StateOutgoingLengthKnown {
		return a.fail("send", IllegalUse)
	}
	if offset < 0 || n < 0 || offset+n > BufferSize {
		return a.fail("send", BufferBounds)
	}
	if n > a.lr {
		return a.fail("send", BadLength)
	}

	a.out = append(a.out, a.buf[offset:offset+n]...)
	a.lr -= n
	if a.lr == 0 {
		a.state = StateFullOutgoing
	} else {
		a.state = StatePartialOutgoing
	}
	return nil
}

// SetOutgoingAndSend sends n buffer bytes starting at offset as the complete response.
func (a *APDU) SetOutgoingAndSend(offset, n int) error {
	if _, err := a.SetOutgoing(); err != nil {
		return err
	}
	if err := a.SetOutgoingLength(n); err != nil {
		return err
	}
	return a.Send(offset, n)
}

// SendLong sends data as the complete response, chunking it through the buffer.
// Responses longer than 256 bytes need extended length.
func (a *APDU) SendLong(data []byte) error {
	if a.state < StateOutgoing {
		if _, err := a.SetOutgoing(); err != nil {
			return err
		}
	}
	if err := a.SetOutgoingLength(len(data)); err != nil {
		return err
	}
	for len(data) > 0 {
		n := copy(a.buf[:], data)
		if err := a.Send(0, n); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// response returns the bytes sent so far.
func (a *APDU) response() []byte {
	return a.out
}
