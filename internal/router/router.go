// Package router implements the bus's dispatch core: every inbound
// message passes through Push, which authorizes, directs, fans out to
// rule-table subscribers, broadcasts to peer daemons, and multicasts
// within sessions, in that fixed order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/metrics"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/policy"
	"github.com/alljoyn-go/busd/internal/rules"
	"github.com/alljoyn-go/busd/internal/session"
	"github.com/alljoyn-go/busd/internal/wire"
)

// ErrPolicyViolation is returned (wrapped with context) when a policy
// predicate denies a message.
var ErrPolicyViolation = errors.New("router: policy violation")

// ErrEndpointClosing marks a per-recipient push failure the dispatch
// loop tolerates silently rather than surfacing as the call's error.
var ErrEndpointClosing = errors.New("router: endpoint closing")

const (
	dbusServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// StartServicer is consulted when directed delivery resolves no
// endpoint and the AUTO_START flag is set: it's expected to trigger
// activation out of band and report whether it did so, letting the
// router decide between redelivery-on-activation and an immediate
// ServiceUnknown error.
type StartServicer interface {
	StartService(ctx context.Context, name string) (started bool, err error)
}

// Router is the bus's message dispatch core.
type Router struct {
	names    *nametable.Table
	rules    *rules.Table
	sessions *session.Manager
	policy   *policy.Engine
	starter  StartServicer
	logger   *slog.Logger

	mu            sync.RWMutex
	bus2bus       map[string]endpoint.Endpoint // unique name -> bus2bus endpoint
	localUnique   string
}

// New constructs a Router over the given name table, match-rule table,
// and session manager. A nil policy.Engine defaults to allow-all.
func New(names *nametable.Table, rt *rules.Table, sessions *session.Manager, eng *policy.Engine, starter StartServicer, logger *slog.Logger) *Router {
	if eng == nil {
		eng = policy.NewAllowAllEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		names:    names,
		rules:    rt,
		sessions: sessions,
		policy:   eng,
		starter:  starter,
		logger:   logger,
		bus2bus:  make(map[string]endpoint.Endpoint),
	}
}

// SetLocalUniqueName records the bus daemon's own unique name, so Push
// can tell a genuinely local endpoint apart from an ordinary client when
// deciding whether to run the sender-side policy check.
func (r *Router) SetLocalUniqueName(name string) {
	r.localUnique = name
}

// RegisterEndpoint adds bus2bus endpoints to the bus2bus set consulted
// by global broadcast, and adds ep to the name table unless isLocal is
// set (the caller then adds it to the name table itself).
// Bus2bus endpoints are additionally expected to be wired into the
// ctrlplane's virtual-endpoint bookkeeping by the caller — that linkage
// lives in ctrlplane.AddBusToBusEndpoint, not here, since only
// ctrlplane knows about ExchangeNames/ownership gossip.
func (r *Router) RegisterEndpoint(ep endpoint.Endpoint, isLocal bool) error {
	if ep.Kind() == endpoint.KindBus2Bus {
		r.mu.Lock()
		r.bus2bus[ep.UniqueName()] = ep
		r.mu.Unlock()
	}
	if isLocal {
		return nil
	}
	return r.names.AddUniqueName(ep)
}

// UnregisterEndpoint is the inverse of RegisterEndpoint, additionally
// dropping every match rule ep owned.
func (r *Router) UnregisterEndpoint(ep endpoint.Endpoint) {
	if ep.Kind() == endpoint.KindBus2Bus {
		r.mu.Lock()
		delete(r.bus2bus, ep.UniqueName())
		r.mu.Unlock()
	}
	r.names.RemoveUniqueName(ep.UniqueName())
	r.rules.RemoveAll(ep)
}

// BusToBusCount reports how many bus2bus links are currently registered,
// for status/introspection reporting.
func (r *Router) BusToBusCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bus2bus)
}

func arg0Of(msg *wire.Message) string {
	if len(msg.Body) == 0 {
		return ""
	}
	s, _ := msg.Body[0].(string)
	return s
}

// Push is the router's single dispatch entrypoint: see the package doc
// for the five-step algorithm.
func (r *Router) Push(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) (err error) {
	defer func() {
		switch {
		case err == nil:
			metrics.RecordRoute("delivered")
		case errors.Is(err, ErrPolicyViolation):
			metrics.RecordRoute("policy_denied")
		default:
			metrics.RecordRoute("error")
		}
	}()

	fromLocal := from == nil || from.UniqueName() == r.localUnique

	// Step 1: sender-side policy check.
	if !fromLocal {
		cred := policy.Credentials{UID: from.UID(), GID: from.GID()}
		if !r.policy.CheckDeliver(msg, cred, nil) {
			return fmt.Errorf("%w: sender %s", ErrPolicyViolation, from.UniqueName())
		}
	}

	var firstErr error
	record := func(err error) {
		if err == nil || errors.Is(err, ErrEndpointClosing) {
			return
		}
		var closed *endpoint.ErrClosed
		if errors.As(err, &closed) {
			return
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	// Step 2: directed delivery.
	if msg.Dest != "" {
		if err := r.directedDelivery(ctx, msg, from); err != nil {
			record(err)
		}
		return firstErr
	}

	arg0 := arg0Of(msg)

	// Step 3: rule-table fan-out.
	if msg.SessionID == 0 {
		r.rules.Each(msg, arg0, func(ep endpoint.Endpoint) {
			if from != nil && ep.UniqueName() == from.UniqueName() {
				return
			}
			senderCred := senderCredentials(from)
			receiverCred := policy.Credentials{UID: ep.UID(), GID: ep.GID()}
			if !r.policy.CheckEavesdrop(msg, senderCred, &receiverCred) {
				return
			}
			record(ep.PushMessage(ctx, msg))
		})
	}

	// Step 4: global broadcast fan-out.
	if msg.SessionID == 0 && msg.Flags&wire.FlagGlobalBroadcast != 0 {
		r.mu.RLock()
		peers := make([]endpoint.Endpoint, 0, len(r.bus2bus))
		for _, ep := range r.bus2bus {
			if from != nil && ep.UniqueName() == from.UniqueName() {
				continue
			}
			peers = append(peers, ep)
		}
		r.mu.RUnlock()
		for _, ep := range peers {
			record(ep.PushMessage(ctx, msg))
		}
	}

	// Step 5: session multicast.
	if msg.SessionID != 0 {
		targets := r.sessions.CastTargets(session.ID(msg.SessionID), msg.Sender)
		for _, ep := range targets {
			record(ep.PushMessage(ctx, msg))
		}
	}

	return firstErr
}

func senderCredentials(from endpoint.Endpoint) policy.Credentials {
	if from == nil {
		return policy.Credentials{UID: -1, GID: -1}
	}
	return policy.Credentials{UID: from.UID(), GID: from.GID()}
}

func (r *Router) directedDelivery(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	target, ok := r.names.FindEndpoint(msg.Dest)
	if !ok {
		return r.handleUnresolvedDestination(ctx, msg, from)
	}

	senderCred := senderCredentials(from)
	receiverCred := policy.Credentials{UID: target.UID(), GID: target.GID()}
	if !r.policy.CheckDeliver(msg, senderCred, &receiverCred) {
		return fmt.Errorf("%w: destination %s", ErrPolicyViolation, msg.Dest)
	}

	if from != nil && from.Kind() == endpoint.KindBus2Bus && target.Kind() != endpoint.KindClient && target.Kind() != endpoint.KindVirtual {
		return fmt.Errorf("router: receiver %s does not accept remote messages", msg.Dest)
	}

	return target.PushMessage(ctx, msg)
}

func (r *Router) handleUnresolvedDestination(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	autoStart := msg.Flags&wire.FlagNoAutoStart == 0
	fromBus2Bus := from != nil && from.Kind() == endpoint.KindBus2Bus

	if autoStart && !fromBus2Bus && r.starter != nil {
		started, err := r.starter.StartService(ctx, msg.Dest)
		if err == nil && started {
			// The activated service is expected to register and
			// claim its name shortly; redelivery is the
			// activator's responsibility once it observes the
			// new owner, not this call's.
			return nil
		}
	}

	if msg.Type == wire.TypeMethodCall && msg.Flags&wire.FlagNoReplyExpected == 0 {
		if from == nil {
			return nil
		}
		errReply := wire.NewMessage(wire.TypeError)
		errReply.ReplySerial = msg.Serial
		errReply.Dest = msg.Sender
		errReply.ErrorName = dbusServiceUnknown
		errReply.Signature = "s"
		errReply.Body = []interface{}{fmt.Sprintf("The name %s was not provided by any .service files", msg.Dest)}
		return from.PushMessage(ctx, errReply)
	}

	r.logger.Debug("dropping message to unresolved destination", "dest", msg.Dest, "member", msg.Member)
	return nil
}
