package ctrlplane

import (
	"context"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/guid"
)

// exchangeTuple is the (unique_name, aliases) element of the
// ExchangeNames signal's a(sas) body. Its field names must match what
// the wire decoder synthesizes for that signature (F0, F1, ...) since a
// decoded a(sas) value type-asserts against this exact anonymous
// struct shape.
type exchangeTuple = struct {
	F0 string
	F1 []string
}

// AddBusToBusEndpoint registers a freshly authenticated bus2bus link and
// kicks off the ExchangeNames handshake: this daemon's own view of the
// bus, filtered to exclude names whose GUID segment equals the peer's
// own, so a daemon never gets told about names it already owns.
func (b *Bus) AddBusToBusEndpoint(ep *endpoint.RemoteEndpoint) {
	b.vepMu.Lock()
	b.bus2bus[ep.UniqueName()] = ep
	b.vepMu.Unlock()

	b.sendExchangeNames(ep)
}

func (b *Bus) sendExchangeNames(to *endpoint.RemoteEndpoint) {
	aliases := b.names.BusNameAliases()
	peerGUID := to.RemoteGUID()

	tuples := make([]exchangeTuple, 0, len(aliases))
	for unique, names := range aliases {
		if short, ok := guid.ShortOfUniqueName(unique); ok && short == peerGUID {
			continue
		}
		tuples = append(tuples, exchangeTuple{F0: unique, F1: names})
	}

	m := newDaemonSignal(MemberExchangeNames, BusObjectName)
	m.Signature = "a(sas)"
	m.Body = []interface{}{tuples}
	if err := to.PushMessage(context.Background(), m); err != nil {
		b.logger.Debug("failed to send ExchangeNames", "to", to.UniqueName(), "error", err)
	}
}

// HandleExchangeNames processes an incoming ExchangeNames signal from a
// bus2bus peer: every (uniqueName, aliases) tuple becomes (or updates) a
// VirtualEndpoint routed through from, and any tuple whose processing
// actually changed routing or ownership is forwarded to every other
// bus2bus link whose remote GUID differs from from's.
func (b *Bus) HandleExchangeNames(msg *exchangeNamesMsg, from *endpoint.RemoteEndpoint) {
	localShort := b.localGUID.Short()
	changed := false

	for _, t := range msg.tuples {
		short, ok := guid.ShortOfUniqueName(t.unique)
		if !ok || short == localShort {
			// Reject any unique name whose GUID collides with our own;
			// a peer daemon never gets to introduce our own names.
			continue
		}

		ve, added := b.addVirtualEndpointLocked(t.unique, from)
		if added {
			changed = true
		}
		for _, alias := range t.aliases {
			if b.names.SetVirtualAlias(alias, ve) {
				changed = true
			}
		}
	}

	if changed {
		b.forwardExchangeNames(msg, from)
	}
}

// forwardExchangeNames remarshals the incoming ExchangeNames under this
// daemon's identity and relays it to every other bus2bus endpoint whose
// remote GUID differs from the sender's, the one-hop-per-GUID gossip
// dedup rule.
func (b *Bus) forwardExchangeNames(msg *exchangeNamesMsg, from *endpoint.RemoteEndpoint) {
	fromGUID := from.RemoteGUID()

	tuples := make([]exchangeTuple, 0, len(msg.tuples))
	for _, t := range msg.tuples {
		tuples = append(tuples, exchangeTuple{F0: t.unique, F1: t.aliases})
	}

	b.vepMu.Lock()
	peers := make([]*endpoint.RemoteEndpoint, 0, len(b.bus2bus))
	for _, p := range b.bus2bus {
		if p.UniqueName() == from.UniqueName() || p.RemoteGUID() == fromGUID {
			continue
		}
		peers = append(peers, p)
	}
	b.vepMu.Unlock()

	for _, p := range peers {
		m := newDaemonSignal(MemberExchangeNames, BusObjectName)
		m.Signature = "a(sas)"
		m.Body = []interface{}{tuples}
		if err := p.PushMessage(context.Background(), m); err != nil {
			b.logger.Debug("failed to forward ExchangeNames", "to", p.UniqueName(), "error", err)
		}
	}
}

// addVirtualEndpointLocked implements AddVirtualEndpoint: route is an
// additional (or the first) path to uniqueName. added reports whether a
// brand-new VirtualEndpoint was created (as opposed to an existing one
// simply gaining a redundant route).
func (b *Bus) addVirtualEndpointLocked(uniqueName string, route *endpoint.RemoteEndpoint) (ve *endpoint.VirtualEndpoint, added bool) {
	b.vepMu.Lock()
	existing, ok := b.virtual[uniqueName]
	if !ok {
		ve = endpoint.NewVirtualEndpoint(uniqueName, route)
		b.virtual[uniqueName] = ve
		b.vepMu.Unlock()
		if err := b.router.RegisterEndpoint(ve, false); err != nil {
			b.logger.Warn("failed to register virtual endpoint", "name", uniqueName, "error", err)
		}
		return ve, true
	}
	existing.AddRoute(route)
	b.vepMu.Unlock()
	return existing, false
}

// AddVirtualEndpoint is the public entry point for addVirtualEndpointLocked,
// exposed for callers (tests, future transports) outside the
// ExchangeNames path that need to add a route directly.
func (b *Bus) AddVirtualEndpoint(uniqueName string, route *endpoint.RemoteEndpoint) (added bool) {
	_, added = b.addVirtualEndpointLocked(uniqueName, route)
	return added
}

// RemoveBusToBusEndpoint tears a bus2bus link down: every virtual
// endpoint routed through it loses that route, and any virtual endpoint
// left with zero routes is removed from the router and the name table,
// with a NameChanged(alias, oldOwner, "") propagated to every other
// bus2bus endpoint except those sharing the departed link's remote GUID
// (they already know, from that same GUID cluster, that the route is
// gone).
func (b *Bus) RemoveBusToBusEndpoint(ep *endpoint.RemoteEndpoint) {
	departedGUID := ep.RemoteGUID()

	b.vepMu.Lock()
	delete(b.bus2bus, ep.UniqueName())

	var emptied []*endpoint.VirtualEndpoint
	for _, ve := range b.virtual {
		if ve.RemoveRoute(ep) {
			emptied = append(emptied, ve)
		}
	}
	for _, ve := range emptied {
		delete(b.virtual, ve.UniqueName())
	}
	b.vepMu.Unlock()

	for _, ve := range emptied {
		aliases := b.names.BusNameAliases()[ve.UniqueName()]
		// UnregisterEndpoint releases the unique name in the name table
		// too (releaseAllLocked for every alias, then the unique name
		// itself); OnNameOwnerChanged no-ops for these since neither
		// side of a virtual endpoint's departure is a locally owned
		// name, so the NameChanged fan-out below is the only one sent.
		b.router.UnregisterEndpoint(ve)
		for _, alias := range aliases {
			b.broadcastNameChanged(alias, ve.UniqueName(), "", departedGUID)
		}
		b.broadcastNameChanged(ve.UniqueName(), ve.UniqueName(), "", departedGUID)
	}
}

// exchangeNamesTuple and exchangeNamesMsg are the decoded form of an
// incoming ExchangeNames signal, produced by DecodeExchangeNames.
type exchangeNamesTuple struct {
	unique  string
	aliases []string
}

type exchangeNamesMsg struct {
	tuples []exchangeNamesTuple
}

// DecodeExchangeNames decodes an a(sas) message body into the tuple
// form HandleExchangeNames expects. body is the raw wire.Message.Body
// slice (expected to hold exactly one element, the array itself).
func DecodeExchangeNames(body []interface{}) (*exchangeNamesMsg, bool) {
	if len(body) != 1 {
		return nil, false
	}
	raw, ok := body[0].([]exchangeTuple)
	if !ok {
		return nil, false
	}
	out := &exchangeNamesMsg{tuples: make([]exchangeNamesTuple, 0, len(raw))}
	for _, t := range raw {
		out.tuples = append(out.tuples, exchangeNamesTuple{unique: t.F0, aliases: t.F1})
	}
	return out, true
}

// DecodeNameChanged decodes an sss message body (alias, oldOwner,
// newOwner) as emitted/consumed by the NameChanged signal.
func DecodeNameChanged(body []interface{}) (alias, oldOwner, newOwner string, ok bool) {
	if len(body) != 3 {
		return "", "", "", false
	}
	alias, ok1 := body[0].(string)
	oldOwner, ok2 := body[1].(string)
	newOwner, ok3 := body[2].(string)
	return alias, oldOwner, newOwner, ok1 && ok2 && ok3
}

// HandleNameChanged processes an inbound NameChanged signal from a
// bus2bus peer: updates (or clears) the alias's virtual ownership, then
// forwards to every other bus2bus endpoint whose remote GUID differs
// from the sender's, provided the update isn't an attempt to mutate a
// name this daemon considers locally owned.
func (b *Bus) HandleNameChanged(alias, oldOwner, newOwner string, from *endpoint.RemoteEndpoint) {
	if newOwner != "" {
		if short, ok := guid.ShortOfUniqueName(newOwner); ok && short == b.localGUID.Short() {
			return
		}
		b.vepMu.Lock()
		ve, ok := b.virtual[newOwner]
		b.vepMu.Unlock()
		if !ok {
			ve, _ = b.addVirtualEndpointLocked(newOwner, from)
		}
		if !b.names.SetVirtualAlias(alias, ve) {
			return
		}
	} else {
		if existing, ok := b.names.FindEndpoint(alias); ok {
			if short, lok := guid.ShortOfUniqueName(existing.UniqueName()); lok && short == b.localGUID.Short() {
				return
			}
		}
		b.names.ClearVirtualAlias(alias)
	}

	b.broadcastNameChanged(alias, oldOwner, newOwner, from.RemoteGUID())
}
