package daemon

import (
	"context"
	"fmt"

	"github.com/alljoyn-go/busd/internal/auth"
	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/matchrule"
	"github.com/alljoyn-go/busd/internal/metrics"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/wire"
)

// Standard org.freedesktop.DBus method names this daemon answers.
const (
	methodHello            = "Hello"
	methodRequestName      = "RequestName"
	methodReleaseName      = "ReleaseName"
	methodNameHasOwner     = "NameHasOwner"
	methodListNames        = "ListNames"
	methodListQueuedOwners = "ListQueuedOwners"
	methodGetNameOwner     = "GetNameOwner"
	methodAddMatch         = "AddMatch"
	methodRemoveMatch      = "RemoveMatch"
	memberNameOwnerChanged = "NameOwnerChanged"
)

// dbusObject answers every standard org.freedesktop.DBus call a client
// issues over its connection: naming (RequestName/ReleaseName/
// NameHasOwner/ListNames) and the AddMatch/RemoveMatch rule-table
// registration the router's broadcast fan-out consults.
type dbusObject struct {
	d *Daemon
}

func newDBusObject(d *Daemon) *dbusObject {
	return &dbusObject{d: d}
}

// Handle answers one message addressed to this daemon's standard
// org.freedesktop.DBus object.
func (o *dbusObject) Handle(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	if msg.Type != wire.TypeMethodCall {
		return nil
	}

	arg0 := func() string {
		if len(msg.Body) == 0 {
			return ""
		}
		s, _ := msg.Body[0].(string)
		return s
	}
	argFlags := func() nametable.NameFlags {
		if len(msg.Body) < 2 {
			return 0
		}
		v, _ := msg.Body[1].(uint32)
		return nametable.NameFlags(v)
	}

	var reply *wire.Message
	switch msg.Member {
	case methodHello:
		reply = auth.HelloReply(msg, from.UniqueName())
	case methodRequestName:
		status, err := o.d.names.AddAlias(arg0(), from, argFlags())
		if err != nil {
			return o.errorReply(ctx, msg, from, err)
		}
		metrics.RecordNameOwnershipChange()
		reply = methodReturn(msg, "u", uint32(status))
	case methodReleaseName:
		status, err := o.d.names.RemoveAlias(arg0(), from)
		if err != nil {
			return o.errorReply(ctx, msg, from, err)
		}
		reply = methodReturn(msg, "u", uint32(status))
	case methodNameHasOwner:
		_, ok := o.d.names.FindEndpoint(arg0())
		reply = methodReturn(msg, "b", ok)
	case methodGetNameOwner:
		ep, ok := o.d.names.FindEndpoint(arg0())
		if !ok {
			return o.errorReply(ctx, msg, from, fmt.Errorf("org.freedesktop.DBus.Error.NameHasNoOwner: %s has no owner", arg0()))
		}
		reply = methodReturn(msg, "s", ep.UniqueName())
	case methodListNames:
		reply = methodReturn(msg, "as", o.d.names.GetBusNames())
	case methodListQueuedOwners:
		reply = methodReturn(msg, "as", o.d.names.ListQueuedOwners(arg0()))
	case methodAddMatch:
		rule, err := matchrule.Parse(arg0())
		if err != nil {
			return o.errorReply(ctx, msg, from, err)
		}
		o.d.ruleTbl.Add(from, rule)
		reply = methodReturn(msg)
	case methodRemoveMatch:
		rule, err := matchrule.Parse(arg0())
		if err != nil {
			return o.errorReply(ctx, msg, from, err)
		}
		o.d.ruleTbl.Remove(from, rule)
		reply = methodReturn(msg)
	default:
		if msg.Flags&wire.FlagNoReplyExpected != 0 {
			return nil
		}
		reply = wire.NewMessage(wire.TypeError)
		reply.ReplySerial = msg.Serial
		reply.Dest = msg.Sender
		reply.Sender = auth.BusDaemonName
		reply.ErrorName = "org.freedesktop.DBus.Error.UnknownMethod"
		reply.Signature = "s"
		reply.Body = []interface{}{fmt.Sprintf("Unknown method %q on %s", msg.Member, auth.BusDaemonName)}
	}

	if msg.Flags&wire.FlagNoReplyExpected != 0 {
		return nil
	}
	return from.PushMessage(ctx, reply)
}

func methodReturn(call *wire.Message, sigAndBody ...interface{}) *wire.Message {
	reply := wire.NewMessage(wire.TypeMethodReturn)
	reply.ReplySerial = call.Serial
	reply.Dest = call.Sender
	reply.Sender = auth.BusDaemonName
	if len(sigAndBody) == 0 {
		return reply
	}
	sig, _ := sigAndBody[0].(string)
	reply.Signature = wire.Signature(sig)
	reply.Body = sigAndBody[1:]
	return reply
}

func (o *dbusObject) errorReply(ctx context.Context, call *wire.Message, from endpoint.Endpoint, err error) error {
	if call.Flags&wire.FlagNoReplyExpected != 0 {
		return nil
	}
	reply := wire.NewMessage(wire.TypeError)
	reply.ReplySerial = call.Serial
	reply.Dest = call.Sender
	reply.Sender = auth.BusDaemonName
	reply.ErrorName = "org.freedesktop.DBus.Error.Failed"
	reply.Signature = "s"
	reply.Body = []interface{}{err.Error()}
	return from.PushMessage(ctx, reply)
}

// broadcastNameOwnerChanged builds and routes a NameOwnerChanged signal
// for a name whose owner just changed, reusing the router's own
// rule-table fan-out rather than duplicating it. It carries no
// FlagGlobalBroadcast: NameOwnerChanged is this daemon's own local view
// and is never forwarded to peer daemons directly, unlike
// ctrlplane.Bus's NameChanged gossip.
func (d *Daemon) broadcastNameOwnerChanged(name, oldOwner, newOwner string) {
	m := wire.NewMessage(wire.TypeSignal)
	m.Path = auth.BusDaemonPath
	m.Interface = auth.BusDaemonInterface
	m.Member = memberNameOwnerChanged
	m.Sender = auth.BusDaemonName
	m.Signature = "sss"
	m.Body = []interface{}{name, oldOwner, newOwner}
	if err := d.router.Push(context.Background(), m, nil); err != nil {
		d.logger.Debug("failed to broadcast NameOwnerChanged", "name", name, "error", err)
	}
}
