// Package rules is the router's match-rule table: every endpoint's set
// of AddMatch registrations, consulted on every destination-less push.
package rules

import (
	"sync"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/matchrule"
	"github.com/alljoyn-go/busd/internal/wire"
)

type entry struct {
	ep   endpoint.Endpoint
	rule matchrule.Rule
}

// Table holds every registered match rule in one flat list; removal on
// unregister scans the whole list.
type Table struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty rule table.
func New() *Table {
	return &Table{}
}

// Add registers rule on behalf of ep (AddMatch).
func (t *Table) Add(ep endpoint.Endpoint, rule matchrule.Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry{ep: ep, rule: rule})
}

// Remove drops the first registration of ep matching rule (RemoveMatch);
// DBus only removes one matching registration per call even if the same
// rule was added more than once.
func (t *Table) Remove(ep endpoint.Endpoint, rule matchrule.Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target := rule.String()
	for i, e := range t.entries {
		if e.ep.UniqueName() == ep.UniqueName() && e.rule.String() == target {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// RemoveAll drops every rule owned by ep, the cleanup unregisterEndpoint
// performs.
func (t *Table) RemoveAll(ep endpoint.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.entries[:0]
	for _, e := range t.entries {
		if e.ep.UniqueName() != ep.UniqueName() {
			out = append(out, e)
		}
	}
	t.entries = out
}

// MatchFunc is called once per endpoint with at least one matching rule.
type MatchFunc func(ep endpoint.Endpoint)

// Each iterates every distinct endpoint with at least one rule matching
// msg, calling fn once per endpoint (not once per matching rule): the
// "skip remaining rules for an endpoint once one has fired" helper named
// in the router's fan-out algorithm, so an endpoint with several
// overlapping rules receives the message exactly once.
func (t *Table) Each(msg *wire.Message, arg0 string, fn MatchFunc) {
	t.mu.RLock()
	snapshot := make([]entry, len(t.entries))
	copy(snapshot, t.entries)
	t.mu.RUnlock()

	fired := make(map[string]bool)
	for _, e := range snapshot {
		if fired[e.ep.UniqueName()] {
			continue
		}
		if !e.rule.Match(msg, arg0) {
			continue
		}
		fired[e.ep.UniqueName()] = true
		fn(e.ep)
	}
}
