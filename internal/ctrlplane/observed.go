package ctrlplane

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/metrics"
)

// observedEntry is one (guid, busAddr) source advertising a given name,
// tracked by the most recent timestamp it was seen or refreshed at and
// the TTL it reported.
type observedEntry struct {
	guid      string
	busAddr   string
	seenAt    time.Time
	ttl       time.Duration
}

func (e *observedEntry) expiresAt() time.Time { return e.seenAt.Add(e.ttl) }

// FoundNames is the transport callback contract: a transport
// reports what it currently observes advertised by a peer at busAddr
// with daemon guid. names == nil && ttlSeconds == 0 means "this source
// has gone away, expire everything it told us about".
func (b *Bus) FoundNames(busAddr, observerGUID string, names []string, ttlSeconds uint32) {
	if names == nil && ttlSeconds == 0 {
		b.expireSource(busAddr, observerGUID)
		b.reaper.alert()
		return
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	for _, name := range names {
		b.observeOne(name, observerGUID, busAddr, ttl)
	}
	b.reaper.alert()
}

func (b *Bus) observeOne(name, sourceGUID, busAddr string, ttl time.Duration) {
	b.observedMu.Lock()
	entries := b.observed[name]
	var existing *observedEntry
	for _, e := range entries {
		if e.guid == sourceGUID && e.busAddr == busAddr {
			existing = e
			break
		}
	}

	now := time.Now()
	isNew := existing == nil
	if isNew {
		if ttl <= 0 {
			b.observedMu.Unlock()
			return
		}
		existing = &observedEntry{guid: sourceGUID, busAddr: busAddr}
		b.observed[name] = append(entries, existing)
	}
	existing.seenAt = now
	existing.ttl = ttl
	remove := ttl <= 0 && !isNew
	if remove {
		b.removeObservedLocked(name, existing)
	}
	b.observedMu.Unlock()

	if remove {
		b.fanOutLost(name, sourceGUID, busAddr)
		return
	}
	if isNew {
		b.fanOutFound(name, sourceGUID, busAddr)
	}
}

// removeObservedLocked drops entry from name's observed list. Caller
// holds observedMu.
func (b *Bus) removeObservedLocked(name string, entry *observedEntry) {
	entries := b.observed[name]
	out := entries[:0]
	for _, e := range entries {
		if e != entry {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(b.observed, name)
	} else {
		b.observed[name] = out
	}
}

// expireSource drops every observed name whose source is (busAddr, guid),
// emitting LostAdvertisedName for each.
func (b *Bus) expireSource(busAddr, sourceGUID string) {
	b.observedMu.Lock()
	var dropped []string
	for name, entries := range b.observed {
		out := entries[:0]
		for _, e := range entries {
			if e.guid == sourceGUID && e.busAddr == busAddr {
				dropped = append(dropped, name)
				continue
			}
			out = append(out, e)
		}
		if len(out) == 0 {
			delete(b.observed, name)
		} else {
			b.observed[name] = out
		}
	}
	b.observedMu.Unlock()

	for _, name := range dropped {
		b.fanOutLost(name, sourceGUID, busAddr)
	}
}

// fanOutFound emits FoundAdvertisedName to every discovery subscriber
// whose prefix matches name.
func (b *Bus) fanOutFound(name, sourceGUID, busAddr string) {
	for _, sub := range b.discoverySubscribers(name) {
		b.emitFoundAdvertisedName(sub.ep, name, sourceGUID, sub.prefix, busAddr)
	}
}

// fanOutLost is fanOutFound's counterpart for expiry/withdrawal.
func (b *Bus) fanOutLost(name, sourceGUID, busAddr string) {
	for _, sub := range b.discoverySubscribers(name) {
		b.emitLostAdvertisedName(sub.ep, name, sourceGUID, sub.prefix, busAddr)
	}
}

type discoverySub struct {
	ep     endpoint.Endpoint
	prefix string
}

// discoverySubscribers returns every (endpoint, prefix) pair whose
// prefix is a prefix of name. Iteration is bounded to the discover map's
// own entries with an explicit length check rather than any sorted
// lower_bound walk, which avoids the off-by-one a sorted-prefix
// iterator invites at the boundary between adjacent prefixes.
func (b *Bus) discoverySubscribers(name string) []discoverySub {
	b.discoverMu.Lock()
	defer b.discoverMu.Unlock()
	var out []discoverySub
	for prefix, refs := range b.discover {
		if !hasPrefix(name, prefix) {
			continue
		}
		for _, ep := range refs {
			out = append(out, discoverySub{ep: ep, prefix: prefix})
		}
	}
	return out
}

// reaper is the NameMapReaper: a dedicated worker that sleeps until the
// soonest observed-name expiry, then sweeps expired entries.
type reaper struct {
	bus    *Bus
	logger *slog.Logger

	alertCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newReaper(b *Bus, logger *slog.Logger) *reaper {
	return &reaper{
		bus:     b,
		logger:  logger.With("component", "namemap-reaper"),
		alertCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (r *reaper) start() {
	r.wg.Add(1)
	go r.run()
}

func (r *reaper) stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// alert forces an early wake, used whenever an entry is inserted or
// refreshed so the reaper's sleep reflects the new soonest expiry.
func (r *reaper) alert() {
	select {
	case r.alertCh <- struct{}{}:
	default:
	}
}

func (r *reaper) run() {
	defer r.wg.Done()
	for {
		wait := r.sweep()
		timer := time.NewTimer(wait)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-r.alertCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sweep removes every expired observed-name entry, emitting
// LostAdvertisedName for each, and returns how long to sleep until the
// next known expiry (capped to avoid spinning when the map is empty).
func (r *reaper) sweep() time.Duration {
	const idleWait = 30 * time.Second

	b := r.bus
	b.observedMu.Lock()
	now := time.Now()
	var expired []struct {
		name, guid, busAddr string
	}
	soonest := time.Duration(-1)
	for name, entries := range b.observed {
		out := entries[:0]
		for _, e := range entries {
			if !now.Before(e.expiresAt()) {
				expired = append(expired, struct{ name, guid, busAddr string }{name, e.guid, e.busAddr})
				continue
			}
			out = append(out, e)
			if d := e.expiresAt().Sub(now); soonest < 0 || d < soonest {
				soonest = d
			}
		}
		if len(out) == 0 {
			delete(b.observed, name)
		} else {
			b.observed[name] = out
		}
	}
	b.observedMu.Unlock()

	if len(expired) > 0 {
		metrics.RecordObservedNameReap(len(expired))
	}
	for _, e := range expired {
		b.fanOutLost(e.name, e.guid, e.busAddr)
	}

	if soonest < 0 {
		return idleWait
	}
	return soonest
}
