package card

import (
	"fmt"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/tlv"
)

// INSTALL BLOCK:
// A factory receives its instance AID, privileges and parameters as three consecutive
// length-value fields, the layout a card manager passes to an application's install method:
//
//   Li | AID (5-16) | Lp | privileges | La | parameters
//
// Privileges are currently always empty.

// InstallBlock is the decoded install block.
type InstallBlock struct {
	AID        aid.AID
	Privileges []byte
	Params     []byte
}

// BuildInstallBlock encodes the canonical install block.
func BuildInstallBlock(id aid.AID, privileges, params []byte) ([]byte, error) {
	return tlv.LV(id.Bytes(), privileges, params)
}

// ParseInstallBlock decodes an install block.
func ParseInstallBlock(block []byte) (InstallBlock, error) {
	r := tlv.NewLVReader(block)

	rawAID, err := r.Next()
	if err != nil {
		return InstallBlock{}, fmt.Errorf("install block aid: %w", err)
	}
	id, err := aid.New(rawAID)
	if err != nil {
		return InstallBlock{}, fmt.Errorf("install block: %w", err)
	}
	privileges, err := r.Next()
	if err != nil {
		return InstallBlock{}, fmt.Errorf("install block privileges: %w", err)
	}
	params, err := r.Next()
	if err != nil {
		return InstallBlock{}, fmt.Errorf("install block parameters: %w", err)
	}

	return InstallBlock{AID: id, Privileges: privileges, Params: params}, nil
}

// Registrar is handed to a Factory to register the instance it creates.
type Registrar struct {
	rt      *Runtime
	aid     aid.AID
	pending []*Record
}

// AID returns the AID the instance is being installed under.
func (r *Registrar) AID() aid.AID {
	return r.aid
}

// Runtime returns the runtime the instance is installed into.
func (r *Registrar) Runtime() *Runtime {
	return r.rt
}

// Register records app under the install AID.
func (r *Registrar) Register(app Application) error {
	return r.RegisterAs(app, r.aid)
}

// RegisterAs records app under an explicit AID.
func (r *Registrar) RegisterAs(app Application, id aid.AID) error {
	if app == nil {
		return fmt.Errorf("card: register nil application")
	}
	if _, exists := r.rt.registry.Lookup(id); exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	_, shares := app.(ShareableProvider)
	r.pending = append(r.pending, &Record{AID: id, App: app, Isolated: !shares})
	return nil
}
