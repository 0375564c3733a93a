package card

import (
	"fmt"
	"slices"

	"github.com/gregLibert/secure-element/pkg/aid"
)

// ClearEvent selects when a transient array is zeroed.
type ClearEvent int

const (
	// ClearOnReset zeroes the array on card reset.
	ClearOnReset ClearEvent = iota + 1
	// ClearOnDeselect zeroes the array when its owner is deselected, and on reset.
	ClearOnDeselect
)

func (e ClearEvent) String() string {
	switch e {
	case ClearOnReset:
		return "CLEAR_ON_RESET"
	case ClearOnDeselect:
		return "CLEAR_ON_DESELECT"
	default:
		return fmt.Sprintf("ClearEvent(%d)", int(e))
	}
}

type transientArray struct {
	owner aid.AID
	event ClearEvent
	data  []byte
}

type transaction struct {
	owner     aid.AID
	rollbacks []func()
}

func (rt *Runtime) makeTransient(owner aid.AID, n int, event ClearEvent) []byte {
	arr := &transientArray{owner: owner, event: event, data: make([]byte, n)}
	rt.transient = append(rt.transient, arr)
	return arr.data
}

// clearTransient zeroes the arrays matching event. A zero owner matches every owner.
func (rt *Runtime) clearTransient(owner aid.AID, event ClearEvent) {
	for _, arr := range rt.transient {
		if arr.event != event || (!owner.IsZero() && !arr.owner.Equal(owner)) {
			continue
		}
		clear(arr.data)
	}
}

func (rt *Runtime) dropTransient(owner aid.AID) {
	rt.transient = slices.DeleteFunc(rt.transient, func(arr *transientArray) bool {
		return arr.owner.Equal(owner)
	})
}

func (rt *Runtime) beginTransaction(owner aid.AID) error {
	if rt.tx != nil {
		return ErrTransactionInProgress
	}
	rt.tx = &transaction{owner: owner}
	return nil
}

func (rt *Runtime) commitTransaction() error {
	if rt.tx == nil {
		return ErrNoTransaction
	}
	rt.tx = nil
	return nil
}

func (rt *Runtime) abortTransaction() error {
	tx := rt.tx
	if tx == nil {
		return ErrNoTransaction
	}
	rt.tx = nil
	for i := len(tx.rollbacks) - 1; i >= 0; i-- {
		tx.rollbacks[i]()
	}
	return nil
}

func (rt *Runtime) onAbort(undo func()) error {
	if rt.tx == nil {
		return ErrNoTransaction
	}
	rt.tx.rollbacks = append(rt.tx.rollbacks, undo)
	return nil
}
