package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/alljoyn-go/busd/internal/wire"
)

// VirtualEndpoint represents a unique name that lives on a peer daemon,
// reached through one or more bus2bus endpoints (more than one when
// redundant links exist between the two daemons). PushMessage tries each
// route in order and stops at the first that accepts the message.
type VirtualEndpoint struct {
	uniqueName string

	mu     sync.RWMutex
	routes []*RemoteEndpoint
}

// NewVirtualEndpoint creates a virtual endpoint for name fronting the
// given bus2bus route as its first (and initially only) path.
func NewVirtualEndpoint(uniqueName string, route *RemoteEndpoint) *VirtualEndpoint {
	return &VirtualEndpoint{uniqueName: uniqueName, routes: []*RemoteEndpoint{route}}
}

func (v *VirtualEndpoint) UniqueName() string { return v.uniqueName }
func (v *VirtualEndpoint) Kind() Kind         { return KindVirtual }
func (v *VirtualEndpoint) UID() int           { return -1 }
func (v *VirtualEndpoint) GID() int           { return -1 }

// AddRoute adds another bus2bus endpoint as an alternate path to this
// name, used when two daemons are linked by more than one transport.
func (v *VirtualEndpoint) AddRoute(route *RemoteEndpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.routes {
		if r == route {
			return
		}
	}
	v.routes = append(v.routes, route)
}

// RemoveRoute drops route as a path to this name, the caller (ctrlplane,
// on bus2bus link teardown) is responsible for deciding whether the
// virtual endpoint has become routeless and should be removed entirely.
func (v *VirtualEndpoint) RemoveRoute(route *RemoteEndpoint) (empty bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.routes[:0]
	for _, r := range v.routes {
		if r != route {
			out = append(out, r)
		}
	}
	v.routes = out
	return len(v.routes) == 0
}

// Routes returns a snapshot of the current bus2bus routes for this name.
func (v *VirtualEndpoint) Routes() []*RemoteEndpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*RemoteEndpoint, len(v.routes))
	copy(out, v.routes)
	return out
}

func (v *VirtualEndpoint) PushMessage(ctx context.Context, msg *wire.Message) error {
	routes := v.Routes()
	if len(routes) == 0 {
		return fmt.Errorf("endpoint: %s has no remaining routes", v.uniqueName)
	}
	var lastErr error
	for _, r := range routes {
		if err := r.PushMessage(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (v *VirtualEndpoint) Close() error { return nil }
