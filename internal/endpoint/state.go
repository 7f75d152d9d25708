package endpoint

import (
	"sync"

	"github.com/alljoyn-go/busd/internal/metrics"
)

// State is the lifecycle state of a RemoteEndpoint. It progresses
// linearly from INIT through to CLOSED; the only early exits are
// AUTH_FAILED and a direct INIT->CLOSED edge.
type State int

const (
	StateInit State = iota
	StateAuthInProgress
	StateAuthFailed
	StateAuthOK
	StateRunning
	StateRxStopping
	StateTxStopping
	StateBothStopped
	StateUnregistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthInProgress:
		return "auth_in_progress"
	case StateAuthFailed:
		return "auth_failed"
	case StateAuthOK:
		return "auth_ok"
	case StateRunning:
		return "running"
	case StateRxStopping:
		return "rx_stopping"
	case StateTxStopping:
		return "tx_stopping"
	case StateBothStopped:
		return "both_stopped"
	case StateUnregistered:
		return "unregistered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// validTransitions enumerates the legal edges of the endpoint lifecycle.
// RxStopping and TxStopping can complete in either order, both converging
// on BothStopped.
var validTransitions = map[State]map[State]bool{
	StateInit: {
		StateAuthInProgress: true,
		StateClosed:         true,
	},
	StateAuthInProgress: {
		StateAuthFailed: true,
		StateAuthOK:     true,
	},
	StateAuthFailed: {
		StateClosed: true,
	},
	StateAuthOK: {
		StateRunning: true,
	},
	StateRunning: {
		StateRxStopping: true,
		StateTxStopping: true,
	},
	StateRxStopping: {
		StateTxStopping: true,
		StateBothStopped: true,
	},
	StateTxStopping: {
		StateRxStopping: true,
		StateBothStopped: true,
	},
	StateBothStopped: {
		StateUnregistered: true,
	},
	StateUnregistered: {
		StateClosed: true,
	},
	StateClosed: {},
}

// IsValidTransition reports whether from->to is a legal lifecycle edge.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// lifecycle is the mutex-guarded state holder embedded in RemoteEndpoint.
// Rx and tx workers each move it to their own stopping state as they
// shut down; whichever worker finishes second (as reported by
// workerStop) moves it on to BothStopped.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateInit}
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// transition moves to `to` if legal, returning false (and leaving state
// unchanged) otherwise.
func (l *lifecycle) transition(to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !IsValidTransition(l.state, to) {
		return false
	}
	l.state = to
	metrics.RecordLifecycleTransition(to.String())
	return true
}

// workerStop records that one of rx/tx has stopped. rxDone/txDone return
// true once both have; the caller then advances the lifecycle to
// BothStopped.
type workerStop struct {
	mu          sync.Mutex
	rxStopped   bool
	txStopped   bool
}

func (w *workerStop) rxDone() (bothDone bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rxStopped = true
	return w.rxStopped && w.txStopped
}

func (w *workerStop) txDone() (bothDone bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txStopped = true
	return w.rxStopped && w.txStopped
}
