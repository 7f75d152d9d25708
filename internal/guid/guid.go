// Package guid generates and parses the 128-bit bus GUIDs DBus daemons
// use to identify themselves on the wire (in the BusHello exchange
// between daemons; the SASL OK line carries no GUID), distinct from the
// unique connection names the nametable hands out.
package guid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID is a 16-byte daemon identifier, rendered on the wire as 32 lower
// case hex characters with no dashes (the DBus convention, unlike the
// dashed form google/uuid prints by default).
type GUID [16]byte

// New generates a fresh random GUID.
func New() GUID {
	return GUID(uuid.New())
}

// String renders g as 32 lowercase hex digits.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// Parse decodes a 32-hex-digit GUID as exchanged in BusHello.
func Parse(s string) (GUID, error) {
	if len(s) != 32 {
		return GUID{}, fmt.Errorf("guid: want 32 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return GUID{}, fmt.Errorf("guid: %w", err)
	}
	var g GUID
	copy(g[:], b)
	return g, nil
}

// IsZero reports whether g is the unset value.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// Short renders the first 4 bytes of g as 8 lowercase hex digits, the
// form used as the GUID segment of unique names (":<short-guid>.<n>").
// The full 32-digit GUID is what travels in BusHello; ExchangeNames and
// NameChanged carry unique names, whose GUID segment is this short form.
func (g GUID) Short() string {
	return hex.EncodeToString(g[:4])
}

// ShortOfUniqueName extracts the GUID segment from a unique name of the
// form ":<short-guid>.<n>", the check the gossip layer (ctrlplane) uses to
// reject a peer daemon trying to introduce a unique name whose GUID
// collides with the local daemon's.
func ShortOfUniqueName(uniqueName string) (string, bool) {
	if len(uniqueName) == 0 || uniqueName[0] != ':' {
		return "", false
	}
	rest := uniqueName[1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return "", false
	}
	return rest[:dot], true
}
