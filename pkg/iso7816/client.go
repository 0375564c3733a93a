package iso7816

import (
	"errors"
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816-3 transport behaviors that are
// often exposed to the application layer in T=0 protocols:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically generates
//    and sends a GET RESPONSE command to retrieve them.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and suggests XX.
//    The client automatically re-sends the original command with Le = XX.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request.

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// MaxProtocolRounds bounds the number of 61xx/6Cxx follow-ups issued for one logical command.
const MaxProtocolRounds = 16

// ErrTooManyRounds is returned when the card keeps answering 61xx or 6Cxx.
var ErrTooManyRounds = errors.New("too many protocol rounds")

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	var trace Trace

	for round := 0; ; round++ {
		if round == MaxProtocolRounds {
			return trace, fmt.Errorf("%w: %s", ErrTooManyRounds, cmd.Instruction.Raw)
		}

		tx, err := c.exchange(cmd)
		if err != nil {
			return trace, err
		}
		trace = append(trace, tx)

		sw1, sw2 := tx.Response.Status.SW1(), tx.Response.Status.SW2()
		switch sw1 {
		case 0x61:
			// Case 61XX: More data available -> Issue GET RESPONSE on the same logical channel.
			respCls := cmd.Class
			respCls.IsChained = false
			ins, _ := NewInstruction(INS_GET_RESPONSE)
			cmd = NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, leFromSW2(sw2))
		case 0x6C:
			// Case 6CXX: Wrong Length -> Re-issue original command with correct Le.
			// Clone command to update Le without mutating the caller's value.
			retry := *cmd
			retry.Ne = leFromSW2(sw2)
			cmd = &retry
		default:
			return trace, nil
		}
	}
}

func (c *Client) exchange(cmd *CommandAPDU) (Transaction, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return Transaction{}, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(rawCmd)
	if err != nil {
		return Transaction{}, fmt.Errorf("transmission error: %w", err)
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Command: cmd, Response: resp}, nil
}

// leFromSW2 maps the length announced in SW2 to Ne; 00 announces 256 bytes.
func leFromSW2(sw2 byte) int {
	if sw2 == 0 {
		return MaxShortLe
	}
	return int(sw2)
}
