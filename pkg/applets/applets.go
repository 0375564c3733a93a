// Package applets provides the sample applications shipped with the emulator and the
// catalog of modules the card manager can instantiate.
//
//	echo     A0000000620001  returns the command data; INS 10 returns the active AID
//	pse      A0000000620002  EMV Payment System Environment directory
//	payment  A0000000620003  EMV payment application stub with a transaction counter
package applets

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/gp"
)

// Module is an installable executable module.
type Module struct {
	Name    string
	AID     aid.AID
	Factory card.Factory
}

var (
	EchoModule    = aid.MustParse("A0000000620001")
	PSEModule     = aid.MustParse("A0000000620002")
	PaymentModule = aid.MustParse("A0000000620003")
)

// Modules lists the available modules.
func Modules() []Module {
	return []Module{
		{Name: "echo", AID: EchoModule, Factory: NewEcho},
		{Name: "pse", AID: PSEModule, Factory: NewPSE},
		{Name: "payment", AID: PaymentModule, Factory: NewPayment},
	}
}

// Lookup finds a module by name or by module AID (hex).
func Lookup(ref string) (Module, bool) {
	id, err := aid.Parse(ref)
	for _, m := range Modules() {
		if strings.EqualFold(m.Name, ref) || (err == nil && m.AID.Equal(id)) {
			return m, true
		}
	}
	return Module{}, false
}

// Catalog returns the modules keyed by AID, as the card manager expects them.
func Catalog() gp.Catalog {
	c := gp.Catalog{}
	for _, m := range Modules() {
		c[m.AID] = m.Factory
	}
	return c
}

// Install instantiates the module ref (name or AID) as id on rt.
func Install(rt *card.Runtime, ref string, id aid.AID, params []byte) error {
	m, ok := Lookup(ref)
	if !ok {
		return fmt.Errorf("applets: unknown module %q", ref)
	}
	return rt.Install(id, m.Factory, params)
}
