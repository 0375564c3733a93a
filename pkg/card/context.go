package card

import (
	"log/slog"

	"github.com/gregLibert/secure-element/pkg/aid"
)

// SecureChannel is the card manager's secure messaging service as seen by applications.
// The gp package provides the implementations.
type SecureChannel interface {
	Unwrap(cmd []byte) (int, error)
	Wrap(resp []byte) (int, error)
	DecryptData(data []byte) (int, error)
	EncryptData(data []byte) (int, error)
	ResetSecurity()
}

// Context is passed to every application hook. It identifies the application being
// called and gives access to the runtime services scoped to it.
type Context struct {
	rt        *Runtime
	self      aid.AID
	selecting bool
}

// Runtime returns the runtime executing the hook.
func (c *Context) Runtime() *Runtime { return c.rt }

// APDU returns the command being processed.
func (c *Context) APDU() *APDU { return &c.rt.apdu }

// AID returns the AID of the application the hook belongs to.
func (c *Context) AID() aid.AID { return c.self }

// Selecting reports whether the current command is the SELECT that selected this application.
func (c *Context) Selecting() bool { return c.selecting }

// Logger returns the runtime logger annotated with the application AID.
func (c *Context) Logger() *slog.Logger {
	return c.rt.logger.With("aid", c.self.String())
}

// SecureChannel returns the card manager's secure channel, or nil if none is installed.
func (c *Context) SecureChannel() SecureChannel { return c.rt.secureChannel }

// ActiveAID returns the AID whose context is currently active.
func (c *Context) ActiveAID() aid.AID { return c.rt.ActiveAID() }

// PreviousAID returns the AID that was active before the last context switch.
func (c *Context) PreviousAID() aid.AID { return c.rt.PreviousAID() }

// MakeTransient allocates n bytes owned by this application, cleared on the given event.
func (c *Context) MakeTransient(n int, event ClearEvent) []byte {
	return c.rt.makeTransient(c.self, n, event)
}

// BeginTransaction opens the card transaction. Only one may be open at a time.
func (c *Context) BeginTransaction() error { return c.rt.beginTransaction(c.self) }

// CommitTransaction closes the open transaction, keeping its updates.
func (c *Context) CommitTransaction() error { return c.rt.commitTransaction() }

// AbortTransaction closes the open transaction and runs its rollbacks.
func (c *Context) AbortTransaction() error { return c.rt.abortTransaction() }

// OnAbort registers undo for the open transaction. It returns ErrNoTransaction when
// no transaction is open.
func (c *Context) OnAbort(undo func()) error { return c.rt.onAbort(undo) }

// TransactionDepth returns 1 when a transaction is open and 0 otherwise.
func (c *Context) TransactionDepth() int {
	if c.rt.tx != nil {
		return 1
	}
	return 0
}
