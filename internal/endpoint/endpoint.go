// Package endpoint implements the daemon-side connection abstractions
// messages flow through: the RemoteEndpoint rx/tx pipeline for both
// ordinary client links and bus2bus links, and VirtualEndpoint, the
// routing fiction that makes a name owned by a peer daemon look like a
// local destination.
package endpoint

import (
	"context"
	"fmt"

	"github.com/alljoyn-go/busd/internal/wire"
)

// Kind distinguishes the small closed set of endpoint varieties the
// router needs to treat differently (policy checks, broadcast fan-out,
// gossip eligibility). A tagged-union style Kind field plus a single
// concrete-ish interface is preferred here over deeper per-kind
// interface hierarchies since the set is closed and the router's
// switch-on-kind logic needs to branch on exactly these cases.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLocal        // the bus daemon itself, e.g. replying to org.freedesktop.DBus calls
	KindClient       // an ordinary application connected over a local transport
	KindBus2Bus      // a link to a peer daemon
	KindVirtual      // a name reachable only through a remote bus2bus endpoint
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindClient:
		return "client"
	case KindBus2Bus:
		return "bus2bus"
	case KindVirtual:
		return "virtual"
	}
	return "invalid"
}

// Endpoint is anything the router can push a message into.
type Endpoint interface {
	UniqueName() string
	Kind() Kind

	// PushMessage enqueues msg for delivery. It must not block longer
	// than necessary to decide accept/reject: RemoteEndpoint enforces
	// this with a bounded queue and TTL-based drop.
	PushMessage(ctx context.Context, msg *wire.Message) error

	// UID/GID are the credentials used for policy checks. Virtual
	// endpoints always report -1 (unknown/remote), as do bus2bus
	// endpoints this daemon dialed out to.
	UID() int
	GID() int

	Close() error
}

// Router is the subset of router.Router that endpoints need, broken out
// as an interface here so this package doesn't import router (which
// itself imports endpoint to hold registered endpoints).
type Router interface {
	Push(ctx context.Context, msg *wire.Message, from Endpoint) error
}

// ErrClosed is returned by PushMessage once an endpoint has shut down.
type ErrClosed struct{ UniqueName string }

func (e *ErrClosed) Error() string {
	return fmt.Sprintf("endpoint: %s is closed", e.UniqueName)
}
