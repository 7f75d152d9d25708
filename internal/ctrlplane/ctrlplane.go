// Package ctrlplane implements the daemon's advertise/discover control
// plane and the bus-to-bus gossip layer that makes names owned on a
// peer daemon visible locally: per-endpoint registration of advertised
// names and discovery prefixes, fan-out to transports, TTL-based
// expiration of remotely observed names, and the ExchangeNames/
// NameChanged signal protocol that keeps VirtualEndpoints in sync
// across a mesh of bus2bus links: the daemon-private control object
// that upstream AllJoyn calls AllJoynObj, named here for what it does.
package ctrlplane

import (
	"log/slog"
	"sync"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/guid"
	"github.com/alljoyn-go/busd/internal/metrics"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/session"
	"github.com/alljoyn-go/busd/internal/wire"
)

// Standard object identity for the daemon's own control methods and
// daemon-private signals (ExchangeNames, NameChanged, the public
// FoundAdvertisedName/LostAdvertisedName signals).
const (
	BusObjectName = "org.alljoyn.Bus"
	BusObjectPath = wire.ObjectPath("/org/alljoyn/Bus")

	MemberExchangeNames       = "ExchangeNames"
	MemberNameChanged         = "NameChanged"
	MemberFoundAdvertisedName = "FoundAdvertisedName"
	MemberLostAdvertisedName  = "LostAdvertisedName"
	MemberSessionLost         = "SessionLost"
	MemberMPSessionChanged    = "MPSessionChanged"
)

// Status is the uint32 reply-code disposition every control-plane method
// in this package returns, matching the wire contract's "1 == success,
// everything else names a specific failure" numbering convention.
type Status uint32

const (
	StatusOK Status = 1 + iota
	StatusAlreadyAdvertising
	StatusAlreadyDiscovering
	StatusInvalidSpec
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyAdvertising:
		return "already_advertising"
	case StatusAlreadyDiscovering:
		return "already_discovering"
	case StatusInvalidSpec:
		return "invalid_spec"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// RouterTable is the subset of router.Router the control plane needs:
// registering/unregistering the VirtualEndpoints it creates and drops as
// bus2bus links come and go. Broken out as an interface so this package
// doesn't import router (router does not need to import ctrlplane
// either; the daemon wiring package holds both).
type RouterTable interface {
	RegisterEndpoint(ep endpoint.Endpoint, isLocal bool) error
	UnregisterEndpoint(ep endpoint.Endpoint)
}

// Transport is the fan-out contract the control plane drives: one
// implementation per enabled transport (unix, tcp, ...). EnableAdvertisement
// is called on the first local advertiser of a name and
// DisableAdvertisement on the last; allNamesGone additionally reports
// whether the advertise map as a whole is now empty, letting a transport
// tear down its entire advertisement subsystem rather than per-name state.
// EnableDiscovery/DisableDiscovery mirror this for discovery prefixes.
type Transport interface {
	EnableAdvertisement(name string) error
	DisableAdvertisement(name string, allNamesGone bool) error
	EnableDiscovery(prefix string) error
	DisableDiscovery(prefix string) error
	Connect(spec string) error
	Disconnect(spec string) error
}

// Bus is the control-plane bus object: it owns the advertise, discover,
// observed-name, and connect multimaps described in the data model, the
// bus2bus/virtual-endpoint table, and the NameOwnerChanged listener that
// bridges local ownership changes onto the gossip graph.
type Bus struct {
	localGUID guid.GUID
	names     *nametable.Table
	router    RouterTable
	sessions  *session.Manager
	logger    *slog.Logger

	transportsMu sync.RWMutex
	transports   []Transport

	advertiseMu sync.Mutex
	advertise   map[string]map[string]endpoint.Endpoint // name -> unique name -> ep

	discoverMu sync.Mutex
	discover   map[string]map[string]endpoint.Endpoint // prefix -> unique name -> ep

	connectMu sync.Mutex
	connect   map[string]map[string]endpoint.Endpoint // normalized spec -> unique name -> ep

	vepMu   sync.Mutex
	virtual map[string]*endpoint.VirtualEndpoint // unique name -> virtual endpoint
	bus2bus map[string]*endpoint.RemoteEndpoint  // unique name -> bus2bus endpoint

	observedMu sync.Mutex
	observed   map[string][]*observedEntry // observed name -> one entry per (guid, busAddr)

	reaper *reaper
}

// New constructs a Bus for a daemon identified by localGUID, wired to
// names (whose ownership changes it listens for), router (on which it
// registers/unregisters the VirtualEndpoints it manages), and sessions
// (the SessionCastMap backing BindSessionPort/JoinSession/LeaveSession).
func New(localGUID guid.GUID, names *nametable.Table, router RouterTable, sessions *session.Manager, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		localGUID: localGUID,
		names:     names,
		router:    router,
		sessions:  sessions,
		logger:    logger.With("component", "ctrlplane"),
		advertise: make(map[string]map[string]endpoint.Endpoint),
		discover:  make(map[string]map[string]endpoint.Endpoint),
		connect:   make(map[string]map[string]endpoint.Endpoint),
		virtual:   make(map[string]*endpoint.VirtualEndpoint),
		bus2bus:   make(map[string]*endpoint.RemoteEndpoint),
		observed:  make(map[string][]*observedEntry),
	}
	b.reaper = newReaper(b, logger)
	names.AddListener(nametable.ListenerFunc(b.OnNameOwnerChanged))
	return b
}

// AddTransport registers a transport to be fanned out to on future
// advertise/discover changes. It does not replay existing state: a
// transport is expected to be wired in before any advertise/discover
// calls it should see.
func (b *Bus) AddTransport(t Transport) {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()
	b.transports = append(b.transports, t)
}

func (b *Bus) eachTransport(fn func(Transport) error) {
	b.transportsMu.RLock()
	ts := make([]Transport, len(b.transports))
	copy(ts, b.transports)
	b.transportsMu.RUnlock()
	for _, t := range ts {
		if err := fn(t); err != nil {
			b.logger.Warn("transport fan-out failed", "error", err)
		}
	}
}

// Start launches the observed-name reaper goroutine.
func (b *Bus) Start() { b.reaper.start() }

// Stop halts the reaper.
func (b *Bus) Stop() { b.reaper.stop() }

// ---- Connect/Disconnect -------------------------------------------------

// Connect implements the daemon bus interface's Connect(spec) method:
// the first caller for a normalized spec dials the transport, later
// callers just add a reference.
func (b *Bus) Connect(spec string, ep endpoint.Endpoint) Status {
	if spec == "" {
		return StatusInvalidSpec
	}
	b.connectMu.Lock()
	refs, exists := b.connect[spec]
	if !exists {
		refs = make(map[string]endpoint.Endpoint)
		b.connect[spec] = refs
	}
	first := len(refs) == 0
	refs[ep.UniqueName()] = ep
	b.connectMu.Unlock()

	if first {
		b.eachTransport(func(t Transport) error { return t.Connect(spec) })
	}
	return StatusOK
}

// Disconnect is Connect's inverse: the last reference to a spec triggers
// a transport-level hang-up.
func (b *Bus) Disconnect(spec string, ep endpoint.Endpoint) Status {
	b.connectMu.Lock()
	refs, exists := b.connect[spec]
	if !exists {
		b.connectMu.Unlock()
		return StatusInvalidSpec
	}
	delete(refs, ep.UniqueName())
	last := len(refs) == 0
	if last {
		delete(b.connect, spec)
	}
	b.connectMu.Unlock()

	if last {
		b.eachTransport(func(t Transport) error { return t.Disconnect(spec) })
	}
	return StatusOK
}

// ---- Advertise -----------------------------------------------------------

// AdvertiseName implements AdvertiseName(name): ep registers itself as an
// advertiser of name. The first advertiser of a given name enables
// advertisement on every transport.
func (b *Bus) AdvertiseName(name string, ep endpoint.Endpoint) Status {
	if name == "" {
		return StatusInvalidSpec
	}
	b.advertiseMu.Lock()
	refs, exists := b.advertise[name]
	if !exists {
		refs = make(map[string]endpoint.Endpoint)
		b.advertise[name] = refs
	} else if _, already := refs[ep.UniqueName()]; already {
		b.advertiseMu.Unlock()
		return StatusAlreadyAdvertising
	}
	first := len(refs) == 0
	refs[ep.UniqueName()] = ep
	size := len(b.advertise)
	b.advertiseMu.Unlock()
	metrics.SetAdvertiseMapSize(size)

	if first {
		b.eachTransport(func(t Transport) error { return t.EnableAdvertisement(name) })
	}
	return StatusOK
}

// CancelAdvertiseName is AdvertiseName's inverse. When the advertise map
// becomes empty entirely (no name has any advertiser left), transports
// are told so via the allNamesGone flag, letting them deactivate the
// whole advertisement subsystem rather than per-name state.
func (b *Bus) CancelAdvertiseName(name string, ep endpoint.Endpoint) Status {
	b.advertiseMu.Lock()
	refs, exists := b.advertise[name]
	if !exists {
		b.advertiseMu.Unlock()
		return StatusInvalidSpec
	}
	if _, owns := refs[ep.UniqueName()]; !owns {
		b.advertiseMu.Unlock()
		return StatusInvalidSpec
	}
	delete(refs, ep.UniqueName())
	lastForName := len(refs) == 0
	if lastForName {
		delete(b.advertise, name)
	}
	allGone := len(b.advertise) == 0
	size := len(b.advertise)
	b.advertiseMu.Unlock()
	metrics.SetAdvertiseMapSize(size)

	if lastForName {
		b.eachTransport(func(t Transport) error { return t.DisableAdvertisement(name, allGone) })
	}
	return StatusOK
}

// ListAdvertisedNames returns every distinct name this daemon currently
// advertises on behalf of any local endpoint.
func (b *Bus) ListAdvertisedNames() []string {
	b.advertiseMu.Lock()
	defer b.advertiseMu.Unlock()
	out := make([]string, 0, len(b.advertise))
	for name := range b.advertise {
		out = append(out, name)
	}
	return out
}

// cancelAllAdvertise drops every advertisement owned by uniqueName, used
// when its endpoint drops off the bus.
func (b *Bus) cancelAllAdvertise(uniqueName string) {
	b.advertiseMu.Lock()
	var toDisable []string
	for name, refs := range b.advertise {
		if _, owns := refs[uniqueName]; !owns {
			continue
		}
		delete(refs, uniqueName)
		if len(refs) == 0 {
			delete(b.advertise, name)
			toDisable = append(toDisable, name)
		}
	}
	allGone := len(b.advertise) == 0
	size := len(b.advertise)
	b.advertiseMu.Unlock()
	metrics.SetAdvertiseMapSize(size)

	for _, name := range toDisable {
		b.eachTransport(func(t Transport) error { return t.DisableAdvertisement(name, allGone) })
	}
}

// ---- Discover --------------------------------------------------------

// FindName implements FindAdvertisedName(prefix): ep subscribes to every
// name presently or subsequently observed with prefix as a leading
// substring. Any name already observed that matches is reported back
// immediately as FoundAdvertisedName.
func (b *Bus) FindName(prefix string, ep endpoint.Endpoint) Status {
	if prefix == "" {
		return StatusInvalidSpec
	}
	b.discoverMu.Lock()
	refs, exists := b.discover[prefix]
	if !exists {
		refs = make(map[string]endpoint.Endpoint)
		b.discover[prefix] = refs
	} else if _, already := refs[ep.UniqueName()]; already {
		b.discoverMu.Unlock()
		return StatusAlreadyDiscovering
	}
	first := len(refs) == 0
	refs[ep.UniqueName()] = ep
	size := len(b.discover)
	b.discoverMu.Unlock()
	metrics.SetDiscoverMapSize(size)

	if first {
		b.eachTransport(func(t Transport) error { return t.EnableDiscovery(prefix) })
	}

	b.observedMu.Lock()
	var matches []foundMatch
	for name, entries := range b.observed {
		if !hasPrefix(name, prefix) {
			continue
		}
		for _, e := range entries {
			matches = append(matches, foundMatch{name: name, guid: e.guid, busAddr: e.busAddr})
		}
	}
	b.observedMu.Unlock()

	for _, m := range matches {
		b.emitFoundAdvertisedName(ep, m.name, m.guid, prefix, m.busAddr)
	}
	return StatusOK
}

// CancelFindName is FindName's inverse.
func (b *Bus) CancelFindName(prefix string, ep endpoint.Endpoint) Status {
	b.discoverMu.Lock()
	refs, exists := b.discover[prefix]
	if !exists {
		b.discoverMu.Unlock()
		return StatusInvalidSpec
	}
	if _, owns := refs[ep.UniqueName()]; !owns {
		b.discoverMu.Unlock()
		return StatusInvalidSpec
	}
	delete(refs, ep.UniqueName())
	last := len(refs) == 0
	if last {
		delete(b.discover, prefix)
	}
	size := len(b.discover)
	b.discoverMu.Unlock()
	metrics.SetDiscoverMapSize(size)

	if last {
		b.eachTransport(func(t Transport) error { return t.DisableDiscovery(prefix) })
	}
	return StatusOK
}

// cancelAllDiscover drops every discovery subscription owned by
// uniqueName.
func (b *Bus) cancelAllDiscover(uniqueName string) {
	b.discoverMu.Lock()
	var toDisable []string
	for prefix, refs := range b.discover {
		if _, owns := refs[uniqueName]; !owns {
			continue
		}
		delete(refs, uniqueName)
		if len(refs) == 0 {
			delete(b.discover, prefix)
			toDisable = append(toDisable, prefix)
		}
	}
	size := len(b.discover)
	b.discoverMu.Unlock()
	metrics.SetDiscoverMapSize(size)
	for _, prefix := range toDisable {
		b.eachTransport(func(t Transport) error { return t.DisableDiscovery(prefix) })
	}
}

func (b *Bus) cancelAllConnect(uniqueName string) {
	b.connectMu.Lock()
	var toHangUp []string
	for spec, refs := range b.connect {
		if _, owns := refs[uniqueName]; !owns {
			continue
		}
		delete(refs, uniqueName)
		if len(refs) == 0 {
			delete(b.connect, spec)
			toHangUp = append(toHangUp, spec)
		}
	}
	b.connectMu.Unlock()
	for _, spec := range toHangUp {
		b.eachTransport(func(t Transport) error { return t.Disconnect(spec) })
	}
}

// OnNameOwnerChanged implements nametable.Listener. It is invoked under
// the name table's lock (the documented notify-under-lock contract), so
// it must not call back into names synchronously.
//
// This listener only concerns itself with *local* ownership changes: a
// name changing hands because a virtual endpoint appeared or
// disappeared is bookkeeping ExchangeNames/NameChanged-forwarding and
// RemoveBusToBusEndpoint already own (with their own, GUID-aware,
// fan-out exclusion rules); re-broadcasting those here would both
// duplicate that traffic and lose the "don't echo to the GUID you heard
// it from" exclusion.
func (b *Bus) OnNameOwnerChanged(name, oldOwner, newOwner string) {
	// Local-unique-name teardown: purge everything that endpoint owned
	// in the control plane's own maps. Harmless no-op for a virtual
	// endpoint's unique name, which never owns advertise/discover/
	// connect entries (those are only ever registered by local callers).
	if newOwner == "" && oldOwner != "" && oldOwner == name {
		b.cancelAllAdvertise(oldOwner)
		b.cancelAllDiscover(oldOwner)
		b.cancelAllConnect(oldOwner)
		b.leaveAllSessions(oldOwner)
	}

	relevant := newOwner
	if relevant == "" {
		relevant = oldOwner
	}
	if relevant == "" || !b.isLocalName(relevant) {
		return
	}
	b.broadcastNameChanged(name, oldOwner, newOwner, "")
}

// isLocalName reports whether uniqueName belongs to this daemon's own
// GUID, as opposed to a virtual endpoint fronting a peer's name.
func (b *Bus) isLocalName(uniqueName string) bool {
	short, ok := guid.ShortOfUniqueName(uniqueName)
	return ok && short == b.localGUID.Short()
}

type foundMatch struct {
	name    string
	guid    string
	busAddr string
}

func hasPrefix(name, prefix string) bool {
	if len(prefix) > len(name) {
		return false
	}
	return name[:len(prefix)] == prefix
}
