package card

import (
	"errors"
	"fmt"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// Status words produced by the dispatcher itself.
const (
	SWSelectionFailed   = iso7816.SW_ERR_EXEC_NO_INFO
	SWNotFound          = iso7816.SW_ERR_FILE_NOT_FOUND
	SWCommandNotAllowed = iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_EF
	SWWrongLength       = iso7816.SW_ERR_WRONG_LENGTH
	SWUnknown           = iso7816.SW_ERR_UNKNOWN
)

var (
	// ErrDuplicate is returned when installing over an existing AID.
	ErrDuplicate = errors.New("card: aid already installed")

	// ErrNotFound is returned for operations on an AID that is not installed.
	ErrNotFound = errors.New("card: aid not installed")

	// ErrNotRegistered is returned when a factory does not register exactly one instance.
	ErrNotRegistered = errors.New("card: factory must register exactly one instance")

	// ErrNotShareable is returned when a server refuses to share, or shares an object of
	// an unexpected type.
	ErrNotShareable = errors.New("card: no shareable object")

	// ErrTransactionInProgress is returned by BeginTransaction when one is already open.
	ErrTransactionInProgress = errors.New("card: transaction in progress")

	// ErrNoTransaction is returned by Commit and Abort without an open transaction.
	ErrNoTransaction = errors.New("card: no transaction in progress")
)

// StatusError is the status-bearing fault an application returns from its hooks.
// The dispatcher answers with Status.
type StatusError = iso7816.StatusError

// Fail builds a status fault with an optional diagnostic reason.
func Fail(sw iso7816.StatusWord, reason string) *StatusError {
	return &StatusError{Status: sw, Reason: reason}
}

// Failf is like Fail with a formatted reason.
func Failf(sw iso7816.StatusWord, format string, args ...any) *StatusError {
	return &StatusError{Status: sw, Reason: fmt.Sprintf(format, args...)}
}

// APDUReason classifies misuse of the transfer state machine.
type APDUReason int

const (
	// IllegalUse is a call made in the wrong state.
	IllegalUse APDUReason = iota + 1
	// BufferBounds is an offset or length outside the APDU buffer.
	BufferBounds
	// BadLength is an outgoing length outside the permitted range.
	BadLength
)

func (r APDUReason) String() string {
	switch r {
	case IllegalUse:
		return "illegal use"
	case BufferBounds:
		return "buffer bounds"
	case BadLength:
		return "bad length"
	default:
		return fmt.Sprintf("APDUReason(%d)", int(r))
	}
}

// APDUError reports misuse of the APDU object by application code.
type APDUError struct {
	Reason APDUReason
	Op     string
	State  State
}

func (e *APDUError) Error() string {
	return fmt.Sprintf("apdu %s: %s in state %s", e.Op, e.Reason, e.State)
}

// Status maps the error to the status word sent when an application does not handle it.
func (e *APDUError) Status() iso7816.StatusWord {
	if e.Reason == BadLength {
		return SWWrongLength
	}
	return SWUnknown
}
