// Package nametable owns the mapping from bus names (unique and
// well-known) to the endpoint that currently holds them, implementing
// the FIFO name-ownership queue DBus's RequestName/ReleaseName contract
// requires.
package nametable

import (
	"fmt"
	"sync"

	"github.com/alljoyn-go/busd/internal/endpoint"
)

// NameFlags are the RequestName bits a client can set.
type NameFlags uint32

const (
	FlagAllowReplacement NameFlags = 1 << iota
	FlagReplaceExisting
	FlagDoNotQueue
)

// RequestNameStatus is the small reply-code enum RequestName returns.
type RequestNameStatus uint32

const (
	StatusPrimaryOwner RequestNameStatus = 1 + iota
	StatusInQueue
	StatusExists
	StatusAlreadyOwner
)

// ReleaseNameStatus is ReleaseName's reply-code enum.
type ReleaseNameStatus uint32

const (
	StatusReleased ReleaseNameStatus = 1 + iota
	StatusNonExistent
	StatusNotOwner
)

// queuedOwner is one entry in a well-known name's FIFO ownership queue.
type queuedOwner struct {
	ep    endpoint.Endpoint
	flags NameFlags
}

// wellKnownEntry tracks the owner and waiters for one well-known name.
type wellKnownEntry struct {
	queue []queuedOwner
}

func (e *wellKnownEntry) owner() *queuedOwner {
	if len(e.queue) == 0 {
		return nil
	}
	return &e.queue[0]
}

// Listener is notified whenever a name gains or loses an owner. It is
// invoked synchronously, under the table's lock, mirroring the
// notify-under-lock contract spelled out for this component: listeners
// must not call back into the table from within OnNameOwnerChanged.
type Listener interface {
	OnNameOwnerChanged(name, oldOwner, newOwner string)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(name, oldOwner, newOwner string)

func (f ListenerFunc) OnNameOwnerChanged(name, oldOwner, newOwner string) { f(name, oldOwner, newOwner) }

// Table is the router's name-ownership database: a flat map from unique
// name to its endpoint, plus a map from well-known name to its FIFO
// ownership queue. A single mutex covers both, matching the lock-order
// contract the router/ctrlplane/session layers above it depend on
// (nameTable is the outermost lock in that order).
type Table struct {
	mu sync.Mutex

	uniqueNames map[string]endpoint.Endpoint
	wellKnown   map[string]*wellKnownEntry

	listeners []Listener
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		uniqueNames: make(map[string]endpoint.Endpoint),
		wellKnown:   make(map[string]*wellKnownEntry),
	}
}

// AddListener registers l to be called for every ownership change from
// this point forward.
func (t *Table) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Table) notifyLocked(name, oldOwner, newOwner string) {
	for _, l := range t.listeners {
		l.OnNameOwnerChanged(name, oldOwner, newOwner)
	}
}

// AddUniqueName registers ep's unique name, failing if it's already
// taken (unique names are allocated by the caller and must not collide).
func (t *Table) AddUniqueName(ep endpoint.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := ep.UniqueName()
	if _, exists := t.uniqueNames[name]; exists {
		return fmt.Errorf("nametable: unique name %s already registered", name)
	}
	t.uniqueNames[name] = ep
	t.notifyLocked(name, "", name)
	return nil
}

// RemoveUniqueName drops ep's unique name and releases every well-known
// name it held, promoting the next queued owner (if any) for each.
func (t *Table) RemoveUniqueName(uniqueName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.uniqueNames[uniqueName]; !exists {
		return
	}
	delete(t.uniqueNames, uniqueName)

	for name, entry := range t.wellKnown {
		t.releaseAllLocked(name, entry, uniqueName)
	}
	t.notifyLocked(uniqueName, uniqueName, "")
}

// releaseAllLocked drops every queue entry belonging to uniqueName from
// one well-known name's queue, promoting a new primary owner if the head
// of the queue changed.
func (t *Table) releaseAllLocked(name string, entry *wellKnownEntry, uniqueName string) {
	oldOwner := ""
	if o := entry.owner(); o != nil {
		oldOwner = o.ep.UniqueName()
	}

	filtered := entry.queue[:0]
	for _, q := range entry.queue {
		if q.ep.UniqueName() != uniqueName {
			filtered = append(filtered, q)
		}
	}
	entry.queue = filtered

	if len(entry.queue) == 0 {
		delete(t.wellKnown, name)
		if oldOwner != "" {
			t.notifyLocked(name, oldOwner, "")
		}
		return
	}
	newOwner := entry.queue[0].ep.UniqueName()
	if newOwner != oldOwner {
		t.notifyLocked(name, oldOwner, newOwner)
	}
}

// AddAlias implements RequestName: ep requests ownership of name with
// the given flags, per the standard FIFO/ALLOW_REPLACEMENT/
// DO_NOT_QUEUE semantics.
func (t *Table) AddAlias(name string, ep endpoint.Endpoint, flags NameFlags) (RequestNameStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.wellKnown[name]
	if !exists {
		entry = &wellKnownEntry{}
		t.wellKnown[name] = entry
		entry.queue = append(entry.queue, queuedOwner{ep: ep, flags: flags})
		t.notifyLocked(name, "", ep.UniqueName())
		return StatusPrimaryOwner, nil
	}

	owner := entry.owner()
	if owner.ep.UniqueName() == ep.UniqueName() {
		owner.flags = flags
		return StatusAlreadyOwner, nil
	}

	wantsReplace := flags&FlagReplaceExisting != 0
	ownerAllowsReplace := owner.flags&FlagAllowReplacement != 0

	if wantsReplace && ownerAllowsReplace {
		oldOwnerName := owner.ep.UniqueName()
		// Drop the old owner from the queue entirely (it is not
		// re-queued), then insert the new owner at the head.
		rest := entry.queue[1:]
		entry.queue = append([]queuedOwner{{ep: ep, flags: flags}}, rest...)
		t.notifyLocked(name, oldOwnerName, ep.UniqueName())
		return StatusPrimaryOwner, nil
	}

	if flags&FlagDoNotQueue != 0 {
		return StatusExists, nil
	}

	// Queue behind the current owner, unless already queued.
	for _, q := range entry.queue {
		if q.ep.UniqueName() == ep.UniqueName() {
			return StatusInQueue, nil
		}
	}
	entry.queue = append(entry.queue, queuedOwner{ep: ep, flags: flags})
	return StatusInQueue, nil
}

// RemoveAlias implements ReleaseName: ep gives up name, promoting the
// next queued owner if ep was the primary owner.
func (t *Table) RemoveAlias(name string, ep endpoint.Endpoint) (ReleaseNameStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.wellKnown[name]
	if !exists {
		return StatusNonExistent, nil
	}

	found := false
	for _, q := range entry.queue {
		if q.ep.UniqueName() == ep.UniqueName() {
			found = true
			break
		}
	}
	if !found {
		return StatusNotOwner, nil
	}

	t.releaseAllLocked(name, entry, ep.UniqueName())
	return StatusReleased, nil
}

// SetVirtualAlias records a well-known name as owned by a VirtualEndpoint
// representing a peer daemon, bypassing the FIFO queue entirely: a name
// advertised by a remote daemon has exactly one (virtual) owner from this
// daemon's point of view. It reports whether this call actually changed
// the effective owner, so the gossip layer can tell whether an
// ExchangeNames/NameChanged update needs forwarding on to other links.
func (t *Table) SetVirtualAlias(name string, ve *endpoint.VirtualEndpoint) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldOwner := ""
	if entry, ok := t.wellKnown[name]; ok {
		if o := entry.owner(); o != nil {
			oldOwner = o.ep.UniqueName()
		}
	}
	if oldOwner == ve.UniqueName() {
		return false
	}
	t.wellKnown[name] = &wellKnownEntry{queue: []queuedOwner{{ep: ve}}}
	t.notifyLocked(name, oldOwner, ve.UniqueName())
	return true
}

// ClearVirtualAlias drops a well-known name previously attributed to a
// virtual endpoint via SetVirtualAlias, regardless of which virtual
// endpoint currently holds it (a remote NameChanged(alias, old, "")
// update names the old owner only for logging purposes, not as a
// compare-and-clear key). No-op if name has no owner.
func (t *Table) ClearVirtualAlias(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.wellKnown[name]
	if !ok {
		return
	}
	owner := entry.owner()
	delete(t.wellKnown, name)
	if owner != nil {
		t.notifyLocked(name, owner.ep.UniqueName(), "")
	}
}

// FindEndpoint resolves either a unique name or a well-known name's
// current primary owner.
func (t *Table) FindEndpoint(name string) (endpoint.Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findEndpointLocked(name)
}

func (t *Table) findEndpointLocked(name string) (endpoint.Endpoint, bool) {
	if ep, ok := t.uniqueNames[name]; ok {
		return ep, true
	}
	if entry, ok := t.wellKnown[name]; ok {
		if owner := entry.owner(); owner != nil {
			return owner.ep, true
		}
	}
	return nil, false
}

// GetBusNames returns every name (unique + well-known) currently owned,
// the data behind ListNames.
func (t *Table) GetBusNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.uniqueNames)+len(t.wellKnown))
	for n := range t.uniqueNames {
		names = append(names, n)
	}
	for n := range t.wellKnown {
		names = append(names, n)
	}
	return names
}

// ListQueuedOwners returns the unique names queued for name, in FIFO
// order, the data behind ListQueuedOwners.
func (t *Table) ListQueuedOwners(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.wellKnown[name]
	if !ok {
		return nil
	}
	out := make([]string, len(entry.queue))
	for i, q := range entry.queue {
		out[i] = q.ep.UniqueName()
	}
	return out
}

// BusNameAliases groups every well-known name by its current head owner,
// the (unique_name, list_of_well_known_aliases) tuples ExchangeNames
// gossips to a newly linked peer daemon.
func (t *Table) BusNameAliases() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.uniqueNames))
	for unique := range t.uniqueNames {
		out[unique] = nil
	}
	for name, entry := range t.wellKnown {
		owner := entry.owner()
		if owner == nil {
			continue
		}
		u := owner.ep.UniqueName()
		out[u] = append(out[u], name)
	}
	return out
}
