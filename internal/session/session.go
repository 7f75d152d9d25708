// Package session implements session multicast bookkeeping: the
// SessionCastMap the router consults for every broadcast carrying a
// nonzero session id, plus the BindSessionPort/JoinSession/LeaveSession/
// GetSessionFd/SetLinkTimeout surface layered on top of it. Full
// session/QoS semantics are treated as an optional extension over the
// routing core; this package implements
// enough of that extension to exercise SessionCastMap meaningfully and
// to give BindSessionPort/JoinSession/SetLinkTimeout a real home.
package session

import (
	"fmt"
	"sync"

	"github.com/alljoyn-go/busd/internal/endpoint"
)

// Reply-code disposition shared by every control-plane method in this
// package, matching the numbering convention of the rest of the bus:
// 1 means success, every other value names a specific failure.
type Status uint32

const (
	StatusOK Status = 1 + iota
	StatusInvalidArgs
	StatusAlreadyExists
	StatusNoSession
	StatusUnreachable
	StatusRejected
)

// Port is a session port number, bound by a service to accept
// JoinSession requests against.
type Port uint16

// ID is a session id, allocated when a JoinSession succeeds.
type ID uint32

// portBinding records one BindSessionPort registration.
type portBinding struct {
	owner endpoint.Endpoint
	// isMultipoint mirrors the session opts the service bound with;
	// multipoint sessions accept more than one joiner into the same ID.
	isMultipoint bool
}

// sessionEntry tracks one established session: its creator (the port
// owner), and every joined member's endpoint.
type sessionEntry struct {
	port    Port
	creator endpoint.Endpoint
	members map[string]endpoint.Endpoint // unique name -> endpoint

	linkTimeout uint32 // seconds, 0 means no timeout configured
}

// Manager owns session ports, active sessions, and the SessionCastMap
// the router reads on every session-scoped broadcast.
type Manager struct {
	mu sync.Mutex

	ports    map[Port]*portBinding
	sessions map[ID]*sessionEntry
	nextID   uint32

	// cast is the SessionCastMap proper: (sessionId, senderUniqueName)
	// -> set of destination endpoints, kept in sync with sessions as
	// members join and leave.
	cast map[castKey]map[string]endpoint.Endpoint
}

type castKey struct {
	session ID
	sender  string
}

// New creates an empty session Manager.
func New() *Manager {
	return &Manager{
		ports:    make(map[Port]*portBinding),
		sessions: make(map[ID]*sessionEntry),
		cast:     make(map[castKey]map[string]endpoint.Endpoint),
	}
}

// BindSessionPort reserves port for ep, failing with StatusAlreadyExists
// if it's taken. The daemon bus interface's BindSessionPort(q,opts) call
// hands back a (status, port) pair; a zero requestedPort asks the
// manager to allocate one, mirroring the ephemeral-port convention.
func (m *Manager) BindSessionPort(requestedPort Port, ep endpoint.Endpoint, multipoint bool) (Status, Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := requestedPort
	if port == 0 {
		port = m.allocatePortLocked()
	} else if _, exists := m.ports[port]; exists {
		return StatusAlreadyExists, 0
	}
	m.ports[port] = &portBinding{owner: ep, isMultipoint: multipoint}
	return StatusOK, port
}

func (m *Manager) allocatePortLocked() Port {
	for p := Port(1024); ; p++ {
		if _, exists := m.ports[p]; !exists {
			return p
		}
	}
}

// UnbindSessionPort releases a previously bound port.
func (m *Manager) UnbindSessionPort(port Port) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ports[port]; !exists {
		return StatusInvalidArgs
	}
	delete(m.ports, port)
	return StatusOK
}

// JoinSession establishes (or, for multipoint, joins) a session against
// port, returning the new or existing session id.
func (m *Manager) JoinSession(port Port, joiner endpoint.Endpoint) (Status, ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binding, exists := m.ports[port]
	if !exists {
		return StatusNoSession, 0
	}

	for id, s := range m.sessions {
		if s.port == port && binding.isMultipoint {
			m.addMemberLocked(id, s, joiner)
			return StatusOK, id
		}
	}

	m.nextID++
	id := ID(m.nextID)
	s := &sessionEntry{
		port:    port,
		creator: binding.owner,
		members: map[string]endpoint.Endpoint{binding.owner.UniqueName(): binding.owner},
	}
	m.sessions[id] = s
	m.addMemberLocked(id, s, joiner)
	return StatusOK, id
}

func (m *Manager) addMemberLocked(id ID, s *sessionEntry, joiner endpoint.Endpoint) {
	s.members[joiner.UniqueName()] = joiner
	// The SessionCastMap fans a sender's broadcast out to every other
	// member: for each existing member, record both directions so a
	// broadcast from any member reaches every other one.
	for name, member := range s.members {
		if name == joiner.UniqueName() {
			continue
		}
		m.addCastLocked(id, name, joiner)
		m.addCastLocked(id, joiner.UniqueName(), member)
	}
}

func (m *Manager) addCastLocked(id ID, sender string, dest endpoint.Endpoint) {
	k := castKey{session: id, sender: sender}
	set, ok := m.cast[k]
	if !ok {
		set = make(map[string]endpoint.Endpoint)
		m.cast[k] = set
	}
	set[dest.UniqueName()] = dest
}

// LeaveSession removes member from id, tearing the session down (and its
// cast-map entries) if it becomes empty.
func (m *Manager) LeaveSession(id ID, member string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[id]
	if !exists {
		return StatusNoSession
	}
	delete(s.members, member)

	for k := range m.cast {
		if k.session != id {
			continue
		}
		if k.sender == member {
			delete(m.cast, k)
			continue
		}
		delete(m.cast[k], member)
		if len(m.cast[k]) == 0 {
			delete(m.cast, k)
		}
	}

	if len(s.members) == 0 {
		delete(m.sessions, id)
	}
	return StatusOK
}

// SetLinkTimeout records the requested link-supervision timeout (in
// seconds) for a session, returning the value actually accepted (this
// implementation always honors the request verbatim).
func (m *Manager) SetLinkTimeout(id ID, seconds uint32) (Status, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[id]
	if !exists {
		return StatusNoSession, 0
	}
	s.linkTimeout = seconds
	return StatusOK, seconds
}

// GetSessionFd is a Non-goal in this implementation (raw streams are a
// transport detail outside session bookkeeping); it reports unreachable
// for every existing session so callers fail over to message-based
// delivery, and StatusNoSession for an unknown id.
func (m *Manager) GetSessionFd(id ID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; !exists {
		return StatusNoSession, nil
	}
	return StatusUnreachable, fmt.Errorf("session: raw fd passthrough not supported")
}

// SessionsFor returns every session id member currently belongs to, the
// lookup used to tear a departing endpoint out of every session it
// joined rather than leaving it in the cast map as a stale entry.
func (m *Manager) SessionsFor(member string) []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ID
	for id, s := range m.sessions {
		if _, ok := s.members[member]; ok {
			out = append(out, id)
		}
	}
	return out
}

// CastTargets returns every endpoint a broadcast from sender within
// session id should be multicast to: the data the router's session
// multicast step (step 5) looks up on every push with a nonzero session
// id.
func (m *Manager) CastTargets(id ID, sender string) []endpoint.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.cast[castKey{session: id, sender: sender}]
	if !ok {
		return nil
	}
	out := make([]endpoint.Endpoint, 0, len(set))
	for _, ep := range set {
		out = append(out, ep)
	}
	return out
}
