package daemon

import (
	"context"
	"net"
	"time"

	"github.com/alljoyn-go/busd/internal/auth"
	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/guid"
	"github.com/alljoyn-go/busd/internal/metrics"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/alljoyn-go/busd/internal/wire/stream"
)

// handleConn runs the full bring-up of one accepted connection: SASL
// authentication over the raw connection, then either an ordinary Hello
// (client link) or a BusHello (bus2bus link) once the connection is
// wrapped as a framed Stream, ending with the link registered on the
// router and its rx/tx pipeline started.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	uid, gid, _, hasPeerCred := stream.PeerCredentials(conn)

	mechanisms := map[string]func() auth.Mechanism{
		"EXTERNAL": func() auth.Mechanism {
			return &auth.External{PeerUID: uid, AllowAnyUID: !hasPeerCred}
		},
	}
	if kr, err := auth.NewKeyring("busd"); err == nil {
		mechanisms["DBUS_COOKIE_SHA1"] = func() auth.Mechanism {
			return &auth.CookieSHA1{Keyring: kr}
		}
	}

	// The SASL text phase runs directly over the raw connection: no
	// binary message can be parsed until BEGIN, so wrapping as a framed
	// Stream only happens once Negotiate returns.
	if _, err := auth.Negotiate(conn, mechanisms); err != nil {
		d.logger.Debug("SASL handshake failed", "error", err)
		conn.Close()
		return
	}
	s := stream.Wrap(conn)

	first, err := s.ReadMessage()
	if err != nil {
		d.logger.Debug("failed reading post-BEGIN bootstrap message", "error", err)
		s.Close()
		return
	}

	if auth.ExpectBusHello(first) == nil {
		d.completeBus2BusHandshake(s, first, uid, gid)
		return
	}
	if err := auth.ExpectHello(first); err != nil {
		d.logger.Debug("first message was neither Hello nor BusHello", "error", err)
		s.Close()
		return
	}
	d.completeClientHandshake(s, first, uid, gid)
}

// completeClientHandshake finishes bringing up an ordinary application
// link: it is allocated a unique name, replies to Hello, registers with
// the router, and starts its rx/tx pipeline.
func (d *Daemon) completeClientHandshake(s stream.Stream, hello *wire.Message, uid, gid int) {
	uniqueName := d.nextUniqueName()

	ep := endpoint.NewRemoteEndpoint(s, d.router, endpoint.Options{
		UniqueName:   uniqueName,
		Kind:         endpoint.KindClient,
		UID:          uid,
		GID:          gid,
		TxQueueDepth: d.cfg.TxQueueCapacity,
		IdleTimeout:  time.Duration(d.cfg.IdleTimeout),
		ProbeTimeout: time.Duration(d.cfg.ProbeTimeout),
		Logger:       d.logger,
		OnExit: func(e *endpoint.RemoteEndpoint) {
			d.router.UnregisterEndpoint(e)
		},
	})

	if err := d.router.RegisterEndpoint(ep, false); err != nil {
		d.logger.Warn("failed to register client endpoint", "unique_name", uniqueName, "error", err)
		s.Close()
		return
	}
	metrics.RecordLifecycleTransition("client_connected")

	reply := auth.HelloReply(hello, uniqueName)
	if err := s.WriteMessage(reply); err != nil {
		d.logger.Debug("failed writing Hello reply", "error", err)
		d.router.UnregisterEndpoint(ep)
		s.Close()
		return
	}

	ep.Start()
}

// completeBus2BusHandshake finishes bringing up a link to a peer daemon:
// it replies with this daemon's own identity triple, registers the link
// as a bus2bus endpoint, and wires it into the control plane's gossip
// bookkeeping (ExchangeNames exchange, virtual-endpoint table).
func (d *Daemon) completeBus2BusHandshake(s stream.Stream, busHello *wire.Message, uid, gid int) {
	uniqueName := d.nextUniqueName()

	ep := endpoint.NewRemoteEndpoint(s, d.router, endpoint.Options{
		UniqueName:   uniqueName,
		Kind:         endpoint.KindBus2Bus,
		UID:          uid,
		GID:          gid,
		TxQueueDepth: d.cfg.TxQueueCapacity,
		IdleTimeout:  time.Duration(d.cfg.IdleTimeout),
		ProbeTimeout: time.Duration(d.cfg.ProbeTimeout),
		Logger:       d.logger,
		OnExit: func(e *endpoint.RemoteEndpoint) {
			d.router.UnregisterEndpoint(e)
			d.bus.RemoveBusToBusEndpoint(e)
		},
	})
	if len(busHello.Body) >= 2 {
		if gs, ok := busHello.Body[0].(string); ok {
			if g, err := guid.Parse(gs); err == nil {
				ep.SetRemoteGUID(g.Short())
			}
		}
		if v, ok := busHello.Body[1].(uint32); ok {
			ep.SetProtocolVersion(v)
		}
	}

	if err := d.router.RegisterEndpoint(ep, false); err != nil {
		d.logger.Warn("failed to register bus2bus endpoint", "unique_name", uniqueName, "error", err)
		s.Close()
		return
	}

	reply := auth.BusHelloReplyMessage(busHello, auth.BusHelloReply{
		UniqueName: uniqueName,
		GUID:       d.GUID.String(),
		Version:    1,
	})
	if err := s.WriteMessage(reply); err != nil {
		d.logger.Debug("failed writing BusHello reply", "error", err)
		d.router.UnregisterEndpoint(ep)
		s.Close()
		return
	}

	d.bus.AddBusToBusEndpoint(ep)
	metrics.RecordLifecycleTransition("bus2bus_connected")
	ep.Start()
}

// dialPeer establishes an outbound bus2bus link to a configured peer
// address: the BusHello side of the handshake, mirroring
// completeBus2BusHandshake's acceptor side.
func (d *Daemon) dialPeer(addr string) error {
	s, err := stream.Dial(addr)
	if err != nil {
		return err
	}

	busHello := wire.NewMessage(wire.TypeMethodCall)
	busHello.Path = auth.BusDaemonPath
	busHello.Interface = auth.BusDaemonInterface
	busHello.Member = "BusHello"
	busHello.Dest = auth.BusDaemonName
	busHello.Signature = "su"
	busHello.Body = []interface{}{d.GUID.String(), uint32(1)}

	if err := s.WriteMessage(busHello); err != nil {
		s.Close()
		return err
	}
	reply, err := s.ReadMessage()
	if err != nil {
		s.Close()
		return err
	}

	uniqueName := reply.Body[0].(string)
	ep := endpoint.NewRemoteEndpoint(s, d.router, endpoint.Options{
		UniqueName:   uniqueName,
		Kind:         endpoint.KindBus2Bus,
		UID:          -1,
		GID:          -1,
		TxQueueDepth: d.cfg.TxQueueCapacity,
		IdleTimeout:  time.Duration(d.cfg.IdleTimeout),
		ProbeTimeout: time.Duration(d.cfg.ProbeTimeout),
		Logger:       d.logger,
		OnExit: func(e *endpoint.RemoteEndpoint) {
			d.router.UnregisterEndpoint(e)
			d.bus.RemoveBusToBusEndpoint(e)
		},
	})
	if len(reply.Body) >= 3 {
		if gs, ok := reply.Body[1].(string); ok {
			if g, err := guid.Parse(gs); err == nil {
				ep.SetRemoteGUID(g.Short())
			}
		}
		if v, ok := reply.Body[2].(uint32); ok {
			ep.SetProtocolVersion(v)
		}
	}
	if err := d.router.RegisterEndpoint(ep, false); err != nil {
		s.Close()
		return err
	}
	d.bus.AddBusToBusEndpoint(ep)
	metrics.RecordLifecycleTransition("bus2bus_connected")
	ep.Start()
	return nil
}
