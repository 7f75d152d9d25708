package ctrlplane

import (
	"context"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/wire"
)

// newDaemonSignal builds a signal on the daemon control object, the
// shape every control-plane signal in this package shares.
func newDaemonSignal(member, sender string) *wire.Message {
	m := wire.NewMessage(wire.TypeSignal)
	m.Path = BusObjectPath
	m.Interface = BusObjectName
	m.Member = member
	m.Sender = sender
	return m
}

// emitFoundAdvertisedName delivers FoundAdvertisedName(name, guid,
// prefix, busAddr) to one discovery subscriber. Earlier AllJoyn-derived
// interface tables give this signal a transport-mask argument instead of
// busAddr, but this daemon has no transport-mask concept and callers
// need the source bus address to tell apart multiple daemons advertising
// the same name, so it carries (name, guid, prefix, busAddr) instead.
// See DESIGN.md for this resolution.
func (b *Bus) emitFoundAdvertisedName(ep endpoint.Endpoint, name, observedGUID, prefix, busAddr string) {
	m := newDaemonSignal(MemberFoundAdvertisedName, BusObjectName)
	m.Dest = ep.UniqueName()
	m.Signature = "ssss"
	m.Body = []interface{}{name, observedGUID, prefix, busAddr}
	if err := ep.PushMessage(context.Background(), m); err != nil {
		b.logger.Debug("failed to deliver FoundAdvertisedName", "to", ep.UniqueName(), "name", name, "error", err)
	}
}

// emitLostAdvertisedName is emitFoundAdvertisedName's counterpart for
// expiry/withdrawal.
func (b *Bus) emitLostAdvertisedName(ep endpoint.Endpoint, name, observedGUID, prefix, busAddr string) {
	m := newDaemonSignal(MemberLostAdvertisedName, BusObjectName)
	m.Dest = ep.UniqueName()
	m.Signature = "ssss"
	m.Body = []interface{}{name, observedGUID, prefix, busAddr}
	if err := ep.PushMessage(context.Background(), m); err != nil {
		b.logger.Debug("failed to deliver LostAdvertisedName", "to", ep.UniqueName(), "name", name, "error", err)
	}
}

// buildNameChangedSignal constructs the daemon-private NameChanged(sss)
// signal: alias, oldOwner, newOwner.
func buildNameChangedSignal(sender, alias, oldOwner, newOwner string) *wire.Message {
	m := newDaemonSignal(MemberNameChanged, sender)
	m.Signature = "sss"
	m.Body = []interface{}{alias, oldOwner, newOwner}
	return m
}

// broadcastNameChanged forwards a NameChanged(alias, oldOwner, newOwner)
// update to every bus2bus endpoint, excluding the one named by
// excludeGUID's remote GUID (the "never forward back to the GUID
// cluster you learned it from" rule that bounds gossip to one hop per
// distinct remote GUID).
func (b *Bus) broadcastNameChanged(alias, oldOwner, newOwner, excludeGUID string) {
	b.vepMu.Lock()
	peers := make([]*endpoint.RemoteEndpoint, 0, len(b.bus2bus))
	for _, p := range b.bus2bus {
		if excludeGUID != "" && p.RemoteGUID() == excludeGUID {
			continue
		}
		peers = append(peers, p)
	}
	localUnique := b.localUniqueNameLocked()
	b.vepMu.Unlock()

	for _, p := range peers {
		m := buildNameChangedSignal(localUnique, alias, oldOwner, newOwner)
		if err := p.PushMessage(context.Background(), m); err != nil {
			b.logger.Debug("failed to forward NameChanged", "to", p.UniqueName(), "alias", alias, "error", err)
		}
	}
}

// localUniqueNameLocked has no stable single answer (there may be many
// local endpoints), so NameChanged signals are sent under the bus
// daemon's own well-known identity rather than any particular unique
// name, matching how Hello replies are sent under BusDaemonName.
func (b *Bus) localUniqueNameLocked() string {
	return BusObjectName
}
