package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alljoyn-go/busd/internal/metrics"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/alljoyn-go/busd/internal/wire/stream"
)

const (
	// DefaultTxQueueDepth bounds how many messages may be buffered for
	// an endpoint before backpressure kicks in.
	DefaultTxQueueDepth = 128

	// DefaultBackpressureWait is how long PushMessage waits for queue
	// space to free up before giving up on a message carrying its own
	// TTL, bounded further by that TTL's remaining time.
	DefaultBackpressureWait = 250 * time.Millisecond

	// MaxBackpressureWait is the ceiling PushMessage waits for queue
	// space on behalf of a reliable (TTL-less) message before giving up
	// and returning ErrQueueFull.
	MaxBackpressureWait = 20 * time.Second

	// DefaultIdleTimeout is how long the tx worker waits without rx
	// activity before sending a liveness probe.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultProbeTimeout is how long the tx worker waits for any rx
	// activity (including a probe ack) after sending a probe before it
	// gives up and tears the link down.
	DefaultProbeTimeout = 10 * time.Second
)

// Peer interface/member names for the liveness probe, analogous to
// org.freedesktop.DBus.Peer.Ping but carrying no reply-expected
// semantics of its own: the tx worker sends ProbeReq, the rx worker
// answers with ProbeAck directly, bypassing the router.
const (
	PeerInterface = "org.alljoyn.Bus.Peer"
	ProbeReqMember = "ProbeReq"
	ProbeAckMember = "ProbeAck"
)

var ErrQueueFull = errors.New("endpoint: tx queue full, message dropped")

type txItem struct {
	msg      *wire.Message
	deadline time.Time // zero means no deadline
}

// RemoteEndpoint is a live connection to either an application (KindClient)
// or a peer bus daemon (KindBus2Bus), driving one rx goroutine and one tx
// goroutine over a stream.Stream.
type RemoteEndpoint struct {
	uniqueName string
	kind       Kind
	remoteGUID string // set for KindBus2Bus once BusHello completes
	protoVer   uint32 // negotiated protocol version, set alongside remoteGUID
	stream     stream.Stream
	router     Router
	uid, gid   int
	logger     *slog.Logger

	txQueueDepth     int
	backpressureWait time.Duration
	idleTimeout      time.Duration
	probeTimeout     time.Duration

	onExit func(*RemoteEndpoint)

	life  *lifecycle
	stops *workerStop

	txCh       chan txItem
	lastActive int64 // unix nanos, atomic

	shutdownMu sync.RWMutex
	closed     bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	wg sync.WaitGroup
}

// Options configures a RemoteEndpoint at construction.
type Options struct {
	UniqueName       string
	Kind             Kind
	UID, GID         int
	TxQueueDepth     int
	BackpressureWait time.Duration
	IdleTimeout      time.Duration
	ProbeTimeout     time.Duration
	Logger           *slog.Logger

	// OnExit, if set, is invoked exactly once, after both the rx and tx
	// workers have stopped, so the caller can unregister the endpoint
	// from whatever it registered it with (router, ctrlplane bus2bus
	// bookkeeping) once the link is well and truly dead.
	OnExit func(*RemoteEndpoint)
}

// NewRemoteEndpoint constructs a RemoteEndpoint in StateAuthOK, ready for
// Start. The caller is expected to have already completed the SASL/Hello
// handshake over s before calling this.
func NewRemoteEndpoint(s stream.Stream, router Router, opts Options) *RemoteEndpoint {
	depth := opts.TxQueueDepth
	if depth <= 0 {
		depth = DefaultTxQueueDepth
	}
	wait := opts.BackpressureWait
	if wait <= 0 {
		wait = DefaultBackpressureWait
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	probe := opts.ProbeTimeout
	if probe <= 0 {
		probe = DefaultProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &RemoteEndpoint{
		uniqueName:       opts.UniqueName,
		kind:             opts.Kind,
		stream:           s,
		router:           router,
		uid:              opts.UID,
		gid:              opts.GID,
		logger:           logger.With("endpoint", opts.UniqueName, "kind", opts.Kind.String()),
		txQueueDepth:     depth,
		backpressureWait: wait,
		idleTimeout:      idle,
		probeTimeout:     probe,
		onExit:           opts.OnExit,
		life:             newLifecycle(),
		stops:            &workerStop{},
		txCh:             make(chan txItem, depth),
		stopCh:           make(chan struct{}),
	}
	e.life.transition(StateAuthInProgress)
	e.life.transition(StateAuthOK)
	e.touch()
	return e
}

func (e *RemoteEndpoint) UniqueName() string { return e.uniqueName }
func (e *RemoteEndpoint) Kind() Kind         { return e.kind }
func (e *RemoteEndpoint) UID() int           { return e.uid }
func (e *RemoteEndpoint) GID() int           { return e.gid }
func (e *RemoteEndpoint) State() State       { return e.life.get() }
func (e *RemoteEndpoint) RemoteGUID() string { return e.remoteGUID }

// SetRemoteGUID records the peer daemon's short GUID (the segment its
// unique names carry) once learned via BusHello, relevant only for
// KindBus2Bus endpoints.
func (e *RemoteEndpoint) SetRemoteGUID(g string) { e.remoteGUID = g }

// ProtocolVersion returns the protocol version negotiated with the peer
// daemon during BusHello, relevant only for KindBus2Bus endpoints.
func (e *RemoteEndpoint) ProtocolVersion() uint32 { return e.protoVer }

// SetProtocolVersion records the protocol version negotiated via BusHello.
func (e *RemoteEndpoint) SetProtocolVersion(v uint32) { e.protoVer = v }

func (e *RemoteEndpoint) touch() {
	atomic.StoreInt64(&e.lastActive, time.Now().UnixNano())
}

func (e *RemoteEndpoint) idleFor() time.Duration {
	last := atomic.LoadInt64(&e.lastActive)
	return time.Since(time.Unix(0, last))
}

// Start transitions to Running and launches the rx/tx workers.
func (e *RemoteEndpoint) Start() {
	if !e.life.transition(StateRunning) {
		return
	}
	e.wg.Add(2)
	go e.rxLoop()
	go e.txLoop()
}

// PushMessage enqueues msg for delivery, subject to backpressure: if the
// queue is full, it waits up to the message's remaining TTL (capped at
// backpressureWait) for room, or up to MaxBackpressureWait for a
// reliable, TTL-less message, then drops.
func (e *RemoteEndpoint) PushMessage(ctx context.Context, msg *wire.Message) error {
	e.shutdownMu.RLock()
	defer e.shutdownMu.RUnlock()
	if e.closed {
		return &ErrClosed{UniqueName: e.uniqueName}
	}

	item := txItem{msg: msg}
	if msg.TimeToLiveMS != 0 {
		item.deadline = time.Now().Add(time.Duration(msg.TimeToLiveMS) * time.Millisecond)
	}

	select {
	case e.txCh <- item:
		metrics.SetTxQueueDepth(e.uniqueName, len(e.txCh))
		return nil
	default:
	}

	wait := MaxBackpressureWait
	if !item.deadline.IsZero() {
		wait = e.backpressureWait
		if d := time.Until(item.deadline); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		e.logger.Warn("tx queue full, dropping message with expired ttl", "member", msg.Member)
		metrics.RecordTxQueueDrop(e.uniqueName, "ttl_expired")
		return ErrQueueFull
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case e.txCh <- item:
		metrics.SetTxQueueDepth(e.uniqueName, len(e.txCh))
		return nil
	case <-timer.C:
		e.logger.Warn("tx queue full, dropping message after backpressure wait", "member", msg.Member)
		metrics.RecordTxQueueDrop(e.uniqueName, "backpressure_timeout")
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return &ErrClosed{UniqueName: e.uniqueName}
	}
}

func (e *RemoteEndpoint) rxLoop() {
	defer e.wg.Done()
	defer e.onRxDone()

	for {
		msg, err := e.stream.ReadMessage()
		if err != nil {
			e.logger.Debug("rx stopped", "error", err)
			return
		}
		e.touch()

		if msg.Interface == PeerInterface && msg.Member == ProbeReqMember {
			ack := wire.NewMessage(wire.TypeSignal)
			ack.Interface = PeerInterface
			ack.Member = ProbeAckMember
			ack.Sender = e.uniqueName
			if err := e.PushMessage(context.Background(), ack); err != nil {
				e.logger.Debug("failed to enqueue probe ack", "error", err)
			}
			continue
		}
		if msg.Interface == PeerInterface && msg.Member == ProbeAckMember {
			continue // liveness already recorded by touch() above
		}

		if e.kind == KindClient {
			msg.Sender = e.uniqueName
		}

		ctx := context.Background()
		if err := e.router.Push(ctx, msg, e); err != nil {
			e.logger.Debug("router rejected message", "error", err, "member", msg.Member)
		}

		select {
		case <-e.stopCh:
			return
		default:
		}
	}
}

func (e *RemoteEndpoint) txLoop() {
	defer e.wg.Done()
	defer e.onTxDone()

	ticker := time.NewTicker(e.idleTimeout / 3)
	defer ticker.Stop()
	probeSent := false

	for {
		select {
		case <-e.stopCh:
			return

		case item, ok := <-e.txCh:
			if !ok {
				return
			}
			metrics.SetTxQueueDepth(e.uniqueName, len(e.txCh))
			if !item.deadline.IsZero() && time.Now().After(item.deadline) {
				e.logger.Debug("dropping expired message from tx queue", "member", item.msg.Member)
				metrics.RecordTxQueueDrop(e.uniqueName, "ttl_expired_in_queue")
				continue
			}
			if err := e.stream.WriteMessage(item.msg); err != nil {
				e.logger.Debug("tx write failed", "error", err)
				e.beginShutdown()
				return
			}

		case <-ticker.C:
			idle := e.idleFor()
			switch {
			case idle >= e.idleTimeout+e.probeTimeout && probeSent:
				e.logger.Warn("peer unresponsive to liveness probe, closing link")
				e.beginShutdown()
				return
			case idle >= e.idleTimeout && !probeSent:
				req := wire.NewMessage(wire.TypeSignal)
				req.Interface = PeerInterface
				req.Member = ProbeReqMember
				req.Sender = e.uniqueName
				if err := e.stream.WriteMessage(req); err != nil {
					e.beginShutdown()
					return
				}
				metrics.RecordIdleProbe(e.uniqueName)
				probeSent = true
			case idle < e.idleTimeout:
				probeSent = false
			}
		}
	}
}

func (e *RemoteEndpoint) onRxDone() {
	e.life.transition(StateRxStopping)
	if e.stops.rxDone() {
		e.life.transition(StateBothStopped)
		e.fireOnExit()
	}
	e.beginShutdown()
}

func (e *RemoteEndpoint) onTxDone() {
	e.life.transition(StateTxStopping)
	if e.stops.txDone() {
		e.life.transition(StateBothStopped)
		e.fireOnExit()
	}
}

// fireOnExit runs the caller-supplied exit callback, if any, exactly
// once: workerStop.rxDone/txDone report bothDone to only one of the two
// callers, whichever observes the second worker finishing.
func (e *RemoteEndpoint) fireOnExit() {
	if e.onExit != nil {
		e.onExit(e)
	}
}

// beginShutdown stops accepting new pushes, waits for in-flight ones to
// drain (the RWMutex exclusive lock does this for free), then closes the
// underlying stream so a rx worker blocked in ReadMessage unblocks
// immediately regardless of which side (rx error, tx error, or an
// external Close) triggered the shutdown.
func (e *RemoteEndpoint) beginShutdown() {
	e.stopOnce.Do(func() {
		e.shutdownMu.Lock()
		e.closed = true
		e.shutdownMu.Unlock()
		close(e.stopCh)
		e.stream.Close()
	})
}

// Close tears the endpoint down from the outside (e.g. nametable cleanup
// after the peer unregisters), waiting for both workers to exit.
func (e *RemoteEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.beginShutdown()
		e.wg.Wait()
		e.life.transition(StateUnregistered)
		e.life.transition(StateClosed)
	})
	return nil
}
