package auth

import (
	"fmt"

	"github.com/alljoyn-go/busd/internal/wire"
)

// Standard bus object identity, addressed by both DBus clients calling
// Hello and the AllJoynObj-equivalent control plane.
const (
	BusDaemonName      = "org.freedesktop.DBus"
	BusDaemonPath      = wire.ObjectPath("/org/freedesktop/DBus")
	BusDaemonInterface = "org.freedesktop.DBus"
)

// ErrNotHello is returned when the first message on a freshly-authed
// client link isn't the expected Hello call.
type ErrNotHello struct {
	Got wire.Message
}

func (e *ErrNotHello) Error() string {
	return fmt.Sprintf("auth: expected Hello method_call, got %s %s.%s", e.Got.Type, e.Got.Interface, e.Got.Member)
}

// ExpectHello validates that msg is the standard Hello bootstrap call a
// client endpoint must send as the first message after BEGIN.
func ExpectHello(msg *wire.Message) error {
	if msg.Type != wire.TypeMethodCall ||
		msg.Interface != BusDaemonInterface ||
		msg.Member != "Hello" ||
		msg.Path != BusDaemonPath {
		return &ErrNotHello{Got: *msg}
	}
	return nil
}

// HelloReply builds the method_return for a Hello call, carrying the
// unique name the nametable allocated for this connection.
func HelloReply(call *wire.Message, uniqueName string) *wire.Message {
	reply := wire.NewMessage(wire.TypeMethodReturn)
	reply.ReplySerial = call.Serial
	reply.Dest = call.Sender
	reply.Sender = BusDaemonName
	reply.Signature = "s"
	reply.Body = []interface{}{uniqueName}
	return reply
}

// BusHelloReply is the bus2bus equivalent of Hello: the acceptor's
// identity triple (its bus unique name, its GUID, and the protocol
// version it speaks) returned to a newly linked peer daemon.
type BusHelloReply struct {
	UniqueName string
	GUID       string
	Version    uint32
}

// ExpectBusHello validates the bus2bus bootstrap call, addressed at the
// same standard object but a daemon-only member.
func ExpectBusHello(msg *wire.Message) error {
	if msg.Type != wire.TypeMethodCall ||
		msg.Interface != BusDaemonInterface ||
		msg.Member != "BusHello" ||
		msg.Path != BusDaemonPath {
		return &ErrNotHello{Got: *msg}
	}
	return nil
}

// BusHelloReplyMessage builds the method_return for a BusHello call.
func BusHelloReplyMessage(call *wire.Message, reply BusHelloReply) *wire.Message {
	m := wire.NewMessage(wire.TypeMethodReturn)
	m.ReplySerial = call.Serial
	m.Dest = call.Sender
	m.Sender = BusDaemonName
	m.Signature = "ssu"
	m.Body = []interface{}{reply.UniqueName, reply.GUID, reply.Version}
	return m
}
