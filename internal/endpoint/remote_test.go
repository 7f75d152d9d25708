package endpoint

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeRouter satisfies Router by handing every pushed message to the
// pushed channel.
type fakeRouter struct {
	pushed chan *wire.Message
}

func (f *fakeRouter) Push(ctx context.Context, msg *wire.Message, from Endpoint) error {
	f.pushed <- msg
	return nil
}

func TestLifecycleTransitions(t *testing.T) {
	l := newLifecycle()
	require.Equal(t, StateInit, l.get())
	require.True(t, l.transition(StateAuthInProgress))
	require.True(t, l.transition(StateAuthOK))
	require.True(t, l.transition(StateRunning))
	require.False(t, l.transition(StateAuthOK), "cannot go back to auth_ok from running")
	require.True(t, l.transition(StateRxStopping))
	require.True(t, l.transition(StateTxStopping))
	require.True(t, l.transition(StateBothStopped))
	require.True(t, l.transition(StateUnregistered))
	require.True(t, l.transition(StateClosed))
	require.False(t, l.transition(StateRunning))
}

func TestWorkerStopBothDone(t *testing.T) {
	w := &workerStop{}
	require.False(t, w.rxDone())
	require.True(t, w.txDone())
}

func TestVirtualEndpointFallsBackToSecondRoute(t *testing.T) {
	failing := &RemoteEndpoint{
		uniqueName: ":1.10",
		closed:     true,
		stopCh:     make(chan struct{}),
	}
	succeeding := &RemoteEndpoint{
		uniqueName: ":1.11",
		txCh:       make(chan txItem, 1),
		stopCh:     make(chan struct{}),
	}

	v := NewVirtualEndpoint(":1.9", failing)
	v.AddRoute(succeeding)

	err := v.PushMessage(context.Background(), wire.NewMessage(wire.TypeSignal))
	require.NoError(t, err)
	require.Len(t, succeeding.txCh, 1, "message should have fallen through to the second route")
}

func TestPushMessageRejectedAfterClose(t *testing.T) {
	e := &RemoteEndpoint{
		uniqueName: ":1.1",
		closed:     true,
		stopCh:     make(chan struct{}),
	}
	err := e.PushMessage(context.Background(), wire.NewMessage(wire.TypeSignal))
	require.Error(t, err)
}

func TestPushMessageDropsWhenQueueFullAndNoBackpressureWait(t *testing.T) {
	e := &RemoteEndpoint{
		uniqueName:       ":1.1",
		txCh:             make(chan txItem, 1),
		backpressureWait: 0,
		logger:           slog.Default(),
		stopCh:           make(chan struct{}),
	}
	// Fill the queue.
	e.txCh <- txItem{msg: wire.NewMessage(wire.TypeSignal)}

	msg := wire.NewMessage(wire.TypeSignal)
	msg.TimeToLiveMS = 1
	// The TTL deadline is taken when PushMessage runs, so the drop comes
	// from the zero backpressure wait, not from this sleep.
	time.Sleep(2 * time.Millisecond)

	err := e.PushMessage(context.Background(), msg)
	require.ErrorIs(t, err, ErrQueueFull)
}
