/*
Package gp implements the GlobalPlatform card manager of the emulator: two secure channel
protocols (SCP01 and SCP02 style), the card manager application that installs and deletes
applications over an authenticated channel, and the host side of the handshake.

# Handshake

	Host                                        Card
	INITIALIZE UPDATE (host challenge)     ->
	                                       <-   diversification data, key info,
	                                            card challenge, card cryptogram
	EXTERNAL AUTHENTICATE (host cryptogram,
	                       C-MAC, P1 = level) ->
	                                       <-   9000

Both cryptograms are full 3DES MACs over the two challenges, in opposite orders, under the
session ENC key. A wrong host cryptogram answers 6300 and leaves the channel unauthenticated.

# Secure messaging

SCP02 commands sent after the handshake carry a retail MAC chained from the previous one
(the ICV) and, when C-DECRYPTION is active, a data field encrypted in CBC mode. Responses
travel in clear. SCP01 authenticates the host but refuses secure messaging.
*/
package gp

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// Level is a GlobalPlatform security level bitmask.
type Level byte

const (
	LevelNone          Level = 0x00
	LevelCMAC          Level = 0x01
	LevelCDecryption   Level = 0x02
	LevelRMAC          Level = 0x10
	LevelREncryption   Level = 0x20
	LevelAuthenticated Level = 0x80
)

// requestable are the bits EXTERNAL AUTHENTICATE may ask for in P1.
const requestable = LevelCMAC | LevelCDecryption | LevelRMAC | LevelREncryption

// Has reports whether all bits of x are set.
func (l Level) Has(x Level) bool {
	return l&x == x
}

func (l Level) String() string {
	if l == LevelNone {
		return "NONE"
	}
	var parts []string
	for _, b := range []struct {
		bit  Level
		name string
	}{
		{LevelAuthenticated, "AUTHENTICATED"},
		{LevelCMAC, "C_MAC"},
		{LevelCDecryption, "C_DECRYPTION"},
		{LevelRMAC, "R_MAC"},
		{LevelREncryption, "R_ENCRYPTION"},
	} {
		if l.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}
	if rest := l &^ (requestable | LevelAuthenticated); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02X", byte(rest)))
	}
	return strings.Join(parts, "|")
}

// Valid reports whether a requested level is consistent: decryption needs a MAC in the
// same direction.
func (l Level) Valid() bool {
	if l&^requestable != 0 {
		return false
	}
	if l.Has(LevelCDecryption) && !l.Has(LevelCMAC) {
		return false
	}
	if l.Has(LevelREncryption) && !l.Has(LevelRMAC) {
		return false
	}
	return true
}

// GlobalPlatform instruction codes. DELETE and INSTALL reuse values ISO 7816-4 assigns
// to other commands, so they are kept apart from iso7816.InsCode.
const (
	InsInitializeUpdate     byte = 0x50
	InsExternalAuthenticate byte = 0x82
	InsDelete               byte = 0xE4
	InsInstall              byte = 0xE6
	InsGetStatus            byte = 0xF2
)

// Class bytes.
const (
	ClaGP        byte = 0x80
	ClaGPSecured byte = 0x84
	claSMBit     byte = 0x04
)

// Status words specific to the card manager.
const (
	SWAuthenticationFailed = iso7816.SW_WARN_NV_CHANGED_NO_INFO // 6300
	SWMoreData             = iso7816.StatusWord(0x6310)
)

// Keys is a static key set. Each key is a 16-byte two-key 3DES key.
type Keys struct {
	Version byte
	ENC     []byte
	MAC     []byte
	DEK     []byte
}

// TestKey is the well-known GlobalPlatform test key 40..4F.
var TestKey = []byte{
	0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
	0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
}

// TestKeys returns a key set using TestKey for all three keys.
func TestKeys() Keys {
	return Keys{Version: 0xFF, ENC: TestKey, MAC: TestKey, DEK: TestKey}
}

// Validate checks key lengths.
func (k Keys) Validate() error {
	for _, key := range []struct {
		name  string
		value []byte
	}{{"ENC", k.ENC}, {"MAC", k.MAC}, {"DEK", k.DEK}} {
		if len(key.value) != 16 {
			return fmt.Errorf("gp: %s key must be 16 bytes, got %d", key.name, len(key.value))
		}
	}
	return nil
}
