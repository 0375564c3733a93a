package card

import (
	"fmt"
	"slices"

	"github.com/gregLibert/secure-element/pkg/aid"
)

// Record is an installed application.
type Record struct {
	AID aid.AID
	App Application

	// Isolated is true when the instance exposes nothing through the firewall.
	Isolated bool
}

// Registry holds installed applications sorted by AID. The order makes selection by
// partial name deterministic: the lowest matching AID wins.
type Registry struct {
	records []*Record
}

func (r *Registry) search(id aid.AID) (int, bool) {
	return slices.BinarySearchFunc(r.records, id, func(rec *Record, target aid.AID) int {
		return rec.AID.Compare(target)
	})
}

// Add inserts rec. It fails with ErrDuplicate when the AID is already present.
func (r *Registry) Add(rec *Record) error {
	i, found := r.search(rec.AID)
	if found {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.AID)
	}
	r.records = slices.Insert(r.records, i, rec)
	return nil
}

// Remove deletes the record for id and returns it.
func (r *Registry) Remove(id aid.AID) (*Record, bool) {
	i, found := r.search(id)
	if !found {
		return nil, false
	}
	rec := r.records[i]
	r.records = slices.Delete(r.records, i, i+1)
	return rec, true
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id aid.AID) (*Record, bool) {
	i, found := r.search(id)
	if !found {
		return nil, false
	}
	return r.records[i], true
}

// Exact returns the record whose AID equals name.
func (r *Registry) Exact(name []byte) (*Record, bool) {
	for _, rec := range r.records {
		if rec.AID.Matches(name) {
			return rec, true
		}
	}
	return nil, false
}

// Partial returns the first record, in AID order, whose AID starts with name.
func (r *Registry) Partial(name []byte) (*Record, bool) {
	for _, rec := range r.records {
		if rec.AID.HasPrefix(name) {
			return rec, true
		}
	}
	return nil, false
}

// Resolve finds the target of a SELECT by name: an exact match first, then a partial one.
func (r *Registry) Resolve(name []byte) (*Record, bool) {
	if rec, ok := r.Exact(name); ok {
		return rec, true
	}
	return r.Partial(name)
}

// Records returns the installed records in AID order.
func (r *Registry) Records() []*Record {
	return slices.Clone(r.records)
}

// Len returns the number of installed applications.
func (r *Registry) Len() int {
	return len(r.records)
}
