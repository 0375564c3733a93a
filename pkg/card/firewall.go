package card

import (
	"errors"
	"fmt"

	"github.com/gregLibert/secure-element/pkg/aid"
)

// FIREWALL:
// Applications only reach each other through shared capabilities. A call through a
// Shared value runs under the owner's context: ActiveAID resolves to the owner and
// PreviousAID to the caller. Contexts nest, since an owner may itself call into a third
// application before returning, so the runtime keeps a stack of saved identities.

// Shared is a capability of type T exposed by the application owner.
type Shared[T any] struct {
	target T
	owner  aid.AID
	rt     *Runtime
}

// NewShared wraps target so that calls through Invoke run as owner.
func NewShared[T any](rt *Runtime, owner aid.AID, target T) Shared[T] {
	return Shared[T]{target: target, owner: owner, rt: rt}
}

// Owner returns the AID of the application exposing the capability.
func (s Shared[T]) Owner() aid.AID {
	return s.owner
}

// Invoke calls fn with the capability under the owner's context and restores the
// caller's context afterwards, including when fn panics. Status faults are returned
// unchanged.
func (s Shared[T]) Invoke(fn func(T) error) error {
	s.rt.pushContext(s.owner)
	defer s.rt.popContext()

	err := fn(s.target)
	var se *StatusError
	if errors.As(err, &se) {
		s.rt.logger.Debug("shared call raised status",
			"owner", s.owner.String(),
			"status", se.Status.String(),
			"reason", se.Reason)
	}
	return err
}

// Share asks server for the capability identified by parameter on behalf of the calling
// application. The server's SharedObject runs under its own context.
func Share[T any](ctx *Context, server aid.AID, parameter byte) (Shared[T], error) {
	rt := ctx.rt
	rec, ok := rt.registry.Lookup(server)
	if !ok {
		return Shared[T]{}, fmt.Errorf("%w: %s", ErrNotFound, server)
	}
	provider, ok := rec.App.(ShareableProvider)
	if !ok {
		return Shared[T]{}, fmt.Errorf("%w: %s does not share", ErrNotShareable, server)
	}

	client := rt.ActiveAID()
	obj := func() any {
		rt.pushContext(server)
		defer rt.popContext()
		return provider.SharedObject(client, parameter)
	}()

	target, ok := obj.(T)
	if !ok {
		return Shared[T]{}, fmt.Errorf("%w: %s refused or returned %T", ErrNotShareable, server, obj)
	}
	return NewShared(rt, server, target), nil
}

func (rt *Runtime) pushContext(id aid.AID) {
	rt.contexts = append(rt.contexts, rt.active)
	rt.active = id
}

func (rt *Runtime) popContext() {
	last := len(rt.contexts) - 1
	rt.active = rt.contexts[last]
	rt.contexts = rt.contexts[:last]
}

// ActiveAID returns the AID whose context is currently active.
func (rt *Runtime) ActiveAID() aid.AID {
	return rt.active
}

// PreviousAID returns the AID that was active before the last context switch, or the
// zero AID outside a shared call.
func (rt *Runtime) PreviousAID() aid.AID {
	if len(rt.contexts) == 0 {
		return aid.AID{}
	}
	return rt.contexts[len(rt.contexts)-1]
}
