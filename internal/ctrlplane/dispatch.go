package ctrlplane

import (
	"context"
	"fmt"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/wire"
)

// Daemon bus interface method names, the control plane's external surface.
const (
	MethodConnect                 = "Connect"
	MethodDisconnect               = "Disconnect"
	MethodAdvertiseName            = "AdvertiseName"
	MethodCancelAdvertiseName      = "CancelAdvertiseName"
	MethodListAdvertisedNames      = "ListAdvertisedNames"
	MethodFindAdvertisedName       = "FindAdvertisedName"
	MethodCancelFindAdvertisedName = "CancelFindAdvertisedName"
	MethodBindSessionPort          = "BindSessionPort"
	MethodUnbindSessionPort        = "UnbindSessionPort"
	MethodJoinSession              = "JoinSession"
	MethodLeaveSession             = "LeaveSession"
	MethodGetSessionFd             = "GetSessionFd"
	MethodSetLinkTimeout           = "SetLinkTimeout"
)

// HandleMessage is the endpoint.Handler wired up for every message
// addressed to the control-plane bus object (org.alljoyn.Bus, path
// BusObjectPath): daemon-private signals from bus2bus peers
// (ExchangeNames, NameChanged) and ordinary method calls from local
// clients (AdvertiseName, FindAdvertisedName, ...). from identifies
// whichever endpoint sent the message, as the caller resolved it from
// msg.Sender in the name table.
func (b *Bus) HandleMessage(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	if msg.Type == wire.TypeSignal {
		return b.handleSignal(msg, from)
	}
	if msg.Type != wire.TypeMethodCall {
		return nil
	}
	return b.handleMethodCall(ctx, msg, from)
}

func (b *Bus) handleSignal(msg *wire.Message, from endpoint.Endpoint) error {
	bus2bus, ok := from.(*endpoint.RemoteEndpoint)
	if !ok || bus2bus.Kind() != endpoint.KindBus2Bus {
		return nil // daemon-private signals only arrive over bus2bus links
	}
	switch msg.Member {
	case MemberExchangeNames:
		decoded, ok := DecodeExchangeNames(msg.Body)
		if !ok {
			return fmt.Errorf("ctrlplane: malformed ExchangeNames body")
		}
		b.HandleExchangeNames(decoded, bus2bus)
	case MemberNameChanged:
		alias, oldOwner, newOwner, ok := DecodeNameChanged(msg.Body)
		if !ok {
			return fmt.Errorf("ctrlplane: malformed NameChanged body")
		}
		b.HandleNameChanged(alias, oldOwner, newOwner, bus2bus)
	}
	return nil
}

func methodReturn(call *wire.Message, sig string, body ...interface{}) *wire.Message {
	reply := wire.NewMessage(wire.TypeMethodReturn)
	reply.ReplySerial = call.Serial
	reply.Dest = call.Sender
	reply.Sender = BusObjectName
	reply.Signature = wire.Signature(sig)
	reply.Body = body
	return reply
}

func (b *Bus) handleMethodCall(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	arg0 := func() string {
		if len(msg.Body) == 0 {
			return ""
		}
		s, _ := msg.Body[0].(string)
		return s
	}
	argUint16 := func(i int) uint16 {
		if i >= len(msg.Body) {
			return 0
		}
		v, _ := msg.Body[i].(uint16)
		return v
	}
	argUint32 := func(i int) uint32 {
		if i >= len(msg.Body) {
			return 0
		}
		v, _ := msg.Body[i].(uint32)
		return v
	}
	argBool := func(i int) bool {
		if i >= len(msg.Body) {
			return false
		}
		v, _ := msg.Body[i].(bool)
		return v
	}

	var reply *wire.Message
	switch msg.Member {
	case MethodConnect:
		reply = methodReturn(msg, "u", uint32(b.Connect(arg0(), from)))
	case MethodDisconnect:
		reply = methodReturn(msg, "u", uint32(b.Disconnect(arg0(), from)))
	case MethodAdvertiseName:
		reply = methodReturn(msg, "u", uint32(b.AdvertiseName(arg0(), from)))
	case MethodCancelAdvertiseName:
		reply = methodReturn(msg, "u", uint32(b.CancelAdvertiseName(arg0(), from)))
	case MethodListAdvertisedNames:
		reply = methodReturn(msg, "as", b.ListAdvertisedNames())
	case MethodFindAdvertisedName:
		reply = methodReturn(msg, "u", uint32(b.FindName(arg0(), from)))
	case MethodCancelFindAdvertisedName:
		reply = methodReturn(msg, "u", uint32(b.CancelFindName(arg0(), from)))
	case MethodBindSessionPort:
		status, port := b.BindSessionPort(argUint16(0), from, argBool(1))
		reply = methodReturn(msg, "uq", uint32(status), port)
	case MethodUnbindSessionPort:
		reply = methodReturn(msg, "u", uint32(b.UnbindSessionPort(argUint16(0))))
	case MethodJoinSession:
		// JoinSession(busName string, port uint16, opts ...): the session
		// host's bus name is carried for client-side bookkeeping only;
		// the port alone identifies the binding on this daemon.
		status, id := b.JoinSession(argUint16(1), from)
		reply = methodReturn(msg, "uu", uint32(status), id)
	case MethodLeaveSession:
		reply = methodReturn(msg, "u", uint32(b.LeaveSession(argUint32(0), from.UniqueName())))
	case MethodGetSessionFd:
		reply = methodReturn(msg, "u", uint32(b.GetSessionFd(argUint32(0))))
	case MethodSetLinkTimeout:
		status, seconds := b.SetLinkTimeout(argUint32(0), argUint32(1))
		reply = methodReturn(msg, "uu", uint32(status), seconds)
	default:
		if msg.Flags&wire.FlagNoReplyExpected != 0 {
			return nil
		}
		reply = wire.NewMessage(wire.TypeError)
		reply.ReplySerial = msg.Serial
		reply.Dest = msg.Sender
		reply.Sender = BusObjectName
		reply.ErrorName = "org.freedesktop.DBus.Error.UnknownMethod"
		reply.Signature = "s"
		reply.Body = []interface{}{fmt.Sprintf("Unknown method %q on %s", msg.Member, BusObjectName)}
	}

	if msg.Flags&wire.FlagNoReplyExpected != 0 {
		return nil
	}
	return from.PushMessage(ctx, reply)
}
