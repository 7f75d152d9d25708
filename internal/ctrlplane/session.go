package ctrlplane

import (
	"context"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/session"
)

// BindSessionPort reserves a session port for ep, the first half of the
// JoinSession handshake a service performs before it can be discovered by
// callers joining the port.
func (b *Bus) BindSessionPort(requestedPort uint16, ep endpoint.Endpoint, multipoint bool) (session.Status, uint16) {
	status, port := b.sessions.BindSessionPort(session.Port(requestedPort), ep, multipoint)
	return status, uint16(port)
}

// UnbindSessionPort releases a previously bound port.
func (b *Bus) UnbindSessionPort(port uint16) session.Status {
	return b.sessions.UnbindSessionPort(session.Port(port))
}

// JoinSession establishes or joins a session against port, emitting
// MPSessionChanged to every other member once the join succeeds, for
// point-to-point and multipoint sessions alike.
func (b *Bus) JoinSession(port uint16, joiner endpoint.Endpoint) (session.Status, uint32) {
	status, id := b.sessions.JoinSession(session.Port(port), joiner)
	if status == session.StatusOK {
		b.emitMPSessionChanged(id, joiner.UniqueName(), true)
	}
	return status, uint32(id)
}

// LeaveSession removes member from id.
func (b *Bus) LeaveSession(id uint32, member string) session.Status {
	status := b.sessions.LeaveSession(session.ID(id), member)
	if status == session.StatusOK {
		b.emitMPSessionChanged(session.ID(id), member, false)
	}
	return status
}

// GetSessionFd is a Non-goal (see session.Manager.GetSessionFd); reports
// unreachable for an existing session and StatusNoSession otherwise.
func (b *Bus) GetSessionFd(id uint32) session.Status {
	status, _ := b.sessions.GetSessionFd(session.ID(id))
	return status
}

// SetLinkTimeout adjusts the per-session link-supervision timeout.
func (b *Bus) SetLinkTimeout(id uint32, seconds uint32) (session.Status, uint32) {
	return b.sessions.SetLinkTimeout(session.ID(id), seconds)
}

// leaveAllSessions tears a departed endpoint out of every session it
// belonged to, notifying the remaining members with SessionLost before
// removing it from the cast map (LeaveSession drops the cast entries the
// notification needs to find its recipients).
func (b *Bus) leaveAllSessions(member string) {
	for _, id := range b.sessions.SessionsFor(member) {
		remaining := b.sessions.CastTargets(id, member)
		b.sessions.LeaveSession(id, member)
		for _, ep := range remaining {
			m := newDaemonSignal(MemberSessionLost, BusObjectName)
			m.Signature = "u"
			m.Body = []interface{}{uint32(id)}
			m.Dest = ep.UniqueName()
			if err := ep.PushMessage(context.Background(), m); err != nil {
				b.logger.Debug("failed to deliver SessionLost", "to", ep.UniqueName(), "error", err)
			}
		}
	}
}

func (b *Bus) emitMPSessionChanged(id session.ID, member string, joined bool) {
	// MPSessionChanged has no single destination; it fans out to every
	// other member of the session. Each recipient gets its own Message
	// (rather than one shared, mutated pointer) since PushMessage hands
	// the pointer to an asynchronous tx queue that outlives this loop.
	for _, ep := range b.sessions.CastTargets(id, member) {
		m := newDaemonSignal(MemberMPSessionChanged, BusObjectName)
		m.Signature = "usb"
		m.Body = []interface{}{uint32(id), member, joined}
		m.Dest = ep.UniqueName()
		if err := ep.PushMessage(context.Background(), m); err != nil {
			b.logger.Debug("failed to deliver MPSessionChanged", "to", ep.UniqueName(), "error", err)
		}
	}
}
