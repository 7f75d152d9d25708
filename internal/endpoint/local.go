package endpoint

import (
	"context"

	"github.com/alljoyn-go/busd/internal/wire"
)

// Handler is called for every message PushMessage'd to the local
// endpoint, i.e. every message addressed to the bus daemon itself. It is
// implemented by the ctrlplane bus object and the standard
// org.freedesktop.DBus dispatcher.
type Handler func(ctx context.Context, msg *wire.Message) error

// Local is the bus daemon's own identity as a destination: messages
// addressed to org.freedesktop.DBus are pushed here instead of over a
// network stream.
type Local struct {
	uniqueName string
	handle     Handler
}

// NewLocal wraps handle as the bus daemon's own endpoint.
func NewLocal(uniqueName string, handle Handler) *Local {
	return &Local{uniqueName: uniqueName, handle: handle}
}

func (l *Local) UniqueName() string { return l.uniqueName }
func (l *Local) Kind() Kind         { return KindLocal }
func (l *Local) UID() int           { return -1 }
func (l *Local) GID() int           { return -1 }
func (l *Local) Close() error       { return nil }

func (l *Local) PushMessage(ctx context.Context, msg *wire.Message) error {
	return l.handle(ctx, msg)
}
