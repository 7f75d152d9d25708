package router

import (
	"context"
	"testing"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/matchrule"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/rules"
	"github.com/alljoyn-go/busd/internal/session"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/stretchr/testify/require"
)

type recordingEndpoint struct {
	name     string
	kind     endpoint.Kind
	received []*wire.Message
}

func (r *recordingEndpoint) UniqueName() string { return r.name }
func (r *recordingEndpoint) Kind() endpoint.Kind { return r.kind }
func (r *recordingEndpoint) UID() int            { return 0 }
func (r *recordingEndpoint) GID() int            { return 0 }
func (r *recordingEndpoint) Close() error        { return nil }
func (r *recordingEndpoint) PushMessage(ctx context.Context, msg *wire.Message) error {
	r.received = append(r.received, msg)
	return nil
}

func newTestRouter() (*Router, *nametable.Table, *rules.Table, *session.Manager) {
	names := nametable.New()
	rt := rules.New()
	sessions := session.New()
	return New(names, rt, sessions, nil, nil, nil), names, rt, sessions
}

func TestDirectedDeliveryToResolvedDestination(t *testing.T) {
	r, names, _, _ := newTestRouter()
	dest := &recordingEndpoint{name: ":1.2", kind: endpoint.KindClient}
	require.NoError(t, names.AddUniqueName(dest))

	msg := wire.NewMessage(wire.TypeSignal)
	msg.Dest = ":1.2"

	err := r.Push(context.Background(), msg, nil)
	require.NoError(t, err)
	require.Len(t, dest.received, 1)
}

func TestDirectedDeliveryUnresolvedSynthesizesServiceUnknown(t *testing.T) {
	r, _, _, _ := newTestRouter()
	sender := &recordingEndpoint{name: ":1.1", kind: endpoint.KindClient}

	msg := wire.NewMessage(wire.TypeMethodCall)
	msg.Dest = "com.example.Nonexistent"
	msg.Sender = ":1.1"

	err := r.Push(context.Background(), msg, sender)
	require.NoError(t, err)
	require.Len(t, sender.received, 1)
	require.Equal(t, wire.TypeError, sender.received[0].Type)
	require.Equal(t, dbusServiceUnknown, sender.received[0].ErrorName)
}

func TestRuleTableFanOutDeliversOncePerEndpoint(t *testing.T) {
	r, _, rt, _ := newTestRouter()
	ep := &recordingEndpoint{name: ":1.3", kind: endpoint.KindClient}
	rule, err := matchrule.Parse("type='signal',interface='org.alljoyn.Bus'")
	require.NoError(t, err)
	rt.Add(ep, rule)

	msg := wire.NewMessage(wire.TypeSignal)
	msg.Interface = "org.alljoyn.Bus"
	msg.Member = "ExchangeNames"
	msg.Sender = ":1.9"

	require.NoError(t, r.Push(context.Background(), msg, nil))
	require.Len(t, ep.received, 1)
}

func TestGlobalBroadcastSkipsSender(t *testing.T) {
	r, _, _, _ := newTestRouter()
	sender := &recordingEndpoint{name: ":1.1", kind: endpoint.KindBus2Bus}
	other := &recordingEndpoint{name: ":1.2", kind: endpoint.KindBus2Bus}
	require.NoError(t, r.RegisterEndpoint(sender, false))
	require.NoError(t, r.RegisterEndpoint(other, false))

	msg := wire.NewMessage(wire.TypeSignal)
	msg.Sender = ":1.1"
	msg.Flags |= wire.FlagGlobalBroadcast

	require.NoError(t, r.Push(context.Background(), msg, sender))
	require.Len(t, sender.received, 0)
	require.Len(t, other.received, 1)
}

func TestNonGlobalBroadcastSignalIsNotFannedOutToBus2Bus(t *testing.T) {
	r, _, _, _ := newTestRouter()
	sender := &recordingEndpoint{name: ":1.1", kind: endpoint.KindBus2Bus}
	other := &recordingEndpoint{name: ":1.2", kind: endpoint.KindBus2Bus}
	require.NoError(t, r.RegisterEndpoint(sender, false))
	require.NoError(t, r.RegisterEndpoint(other, false))

	msg := wire.NewMessage(wire.TypeSignal)
	msg.Sender = ":1.1"

	require.NoError(t, r.Push(context.Background(), msg, sender))
	require.Len(t, other.received, 0, "a signal with no global-broadcast flag must not be fanned out to bus2bus peers")
}

func TestSessionMulticastUsesCastMap(t *testing.T) {
	r, _, _, sessions := newTestRouter()
	a := &recordingEndpoint{name: ":1.1", kind: endpoint.KindClient}
	b := &recordingEndpoint{name: ":1.2", kind: endpoint.KindClient}

	status, port := sessions.BindSessionPort(0, a, false)
	require.Equal(t, session.StatusOK, status)
	status, id := sessions.JoinSession(port, b)
	require.Equal(t, session.StatusOK, status)

	msg := wire.NewMessage(wire.TypeSignal)
	msg.SessionID = uint32(id)
	msg.Sender = ":1.1"

	require.NoError(t, r.Push(context.Background(), msg, a))
	require.Len(t, b.received, 1)
}
