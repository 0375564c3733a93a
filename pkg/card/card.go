/*
Package card implements the card side of the APDU link: an application registry, the
per-command transfer state machine, the command dispatcher and the firewall that runs
shared capabilities under their owner's context.

One Runtime emulates one card. It is a single-threaded state machine: application code
runs synchronously inside Process and the caller must not re-enter it. The session package
serializes concurrent callers.

# Lifecycle of a command

	raw bytes -> case detection -> SELECT resolution -> Select hook
	          -> APDU reset -> Process hook -> status mapping -> R-APDU

Every hook receives an explicit *Context. There is no ambient "current runtime": context
relative lookups (ActiveAID, PreviousAID, transient memory, transactions) go through it.

# Applications

	type echo struct{}

	func (echo) Select(*card.Context) bool { return true }
	func (echo) Deselect(*card.Context)    {}
	func (echo) Process(ctx *card.Context) error {
	    if ctx.Selecting() {
	        return nil
	    }
	    apdu := ctx.APDU()
	    n, err := apdu.SetIncomingAndReceive()
	    if err != nil {
	        return err
	    }
	    return apdu.SetOutgoingAndSend(apdu.DataOffset(), n)
	}

An application reports a status word by returning a *StatusError. Any other error, or a
panic, is logged and answered with 6F00.
*/
package card

import "github.com/gregLibert/secure-element/pkg/aid"

// Application is an installed instance.
type Application interface {
	// Select is called when a SELECT by name resolves to this instance.
	// Returning false refuses the selection.
	Select(ctx *Context) bool

	// Deselect is called when another application is selected or the card is reset.
	Deselect(ctx *Context)

	// Process handles one command. It is also called for the SELECT that selected
	// the instance, with ctx.Selecting() set.
	Process(ctx *Context) error
}

// Uninstaller is implemented by applications that release resources on deletion.
type Uninstaller interface {
	Uninstall(ctx *Context) error
}

// ExtendedLengthCapable is implemented by applications that accept extended length commands.
type ExtendedLengthCapable interface {
	SupportsExtendedLength() bool
}

// ShareableProvider is implemented by applications that expose capabilities to other
// applications through the firewall.
type ShareableProvider interface {
	// SharedObject returns the capability granted to client, or nil to refuse.
	SharedObject(client aid.AID, parameter byte) any
}

// Factory creates an application from an install block and registers it exactly once.
// The block layout is described by ParseInstallBlock.
type Factory func(reg *Registrar, block []byte) error

func supportsExtended(app Application) bool {
	e, ok := app.(ExtendedLengthCapable)
	return ok && e.SupportsExtendedLength()
}
