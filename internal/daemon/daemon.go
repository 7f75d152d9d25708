// Package daemon wires the bus's independent packages (nametable,
// rules, session, policy, router, ctrlplane) into one running process:
// unique-name allocation, listener accept loops, the SASL/Hello
// handshake, and the standard org.freedesktop.DBus object every client
// expects to find at startup.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alljoyn-go/busd/internal/auth"
	"github.com/alljoyn-go/busd/internal/cli"
	"github.com/alljoyn-go/busd/internal/config"
	"github.com/alljoyn-go/busd/internal/ctrlplane"
	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/guid"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/policy"
	"github.com/alljoyn-go/busd/internal/router"
	"github.com/alljoyn-go/busd/internal/rules"
	"github.com/alljoyn-go/busd/internal/session"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/alljoyn-go/busd/internal/wire/stream"
)

// Daemon is one running bus instance: the name table, rule table,
// session manager, router, and control plane, plus every listener
// accepting new connections against them.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	GUID guid.GUID

	names    *nametable.Table
	ruleTbl  *rules.Table
	sessions *session.Manager
	policy   *policy.Engine
	router   *router.Router
	bus      *ctrlplane.Bus

	dbusObj       *dbusObject
	controlServer *cli.Server

	nameCounter uint64

	listenersMu sync.Mutex
	listeners   []*stream.Listener

	wg sync.WaitGroup
}

// New builds a Daemon from cfg, generating a random GUID unless
// cfg.GUIDSeed names one to parse.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g, err := resolveGUID(cfg.GUIDSeed)
	if err != nil {
		return nil, err
	}

	names := nametable.New()
	ruleTbl := rules.New()
	sessions := session.New()
	eng := policy.NewAllowAllEngine()

	r := router.New(names, ruleTbl, sessions, eng, nil, logger)
	bus := ctrlplane.New(g, names, r, sessions, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With("component", "daemon", "guid", g.String()),
		GUID:     g,
		names:    names,
		ruleTbl:  ruleTbl,
		sessions: sessions,
		policy:   eng,
		router:   r,
		bus:      bus,
	}
	d.dbusObj = newDBusObject(d)
	names.AddListener(nametable.ListenerFunc(d.broadcastNameOwnerChanged))
	return d, nil
}

func resolveGUID(seed string) (guid.GUID, error) {
	if seed == "" {
		return guid.New(), nil
	}
	return guid.Parse(seed)
}

// Start registers the daemon's own bus object, launches the control
// plane's reaper, and opens every configured transport.
func (d *Daemon) Start(ctx context.Context) error {
	daemonUniqueName := d.nextUniqueName()
	local := endpoint.NewLocal(daemonUniqueName, d.dispatchToDaemon)
	if err := d.router.RegisterEndpoint(local, true); err != nil {
		return fmt.Errorf("daemon: registering local endpoint: %w", err)
	}
	d.router.SetLocalUniqueName(daemonUniqueName)
	if err := d.names.AddUniqueName(local); err != nil {
		return fmt.Errorf("daemon: registering daemon identity: %w", err)
	}
	if _, err := d.names.AddAlias(auth.BusDaemonName, local, 0); err != nil {
		return fmt.Errorf("daemon: claiming %s: %w", auth.BusDaemonName, err)
	}
	if _, err := d.names.AddAlias(ctrlplane.BusObjectName, local, 0); err != nil {
		return fmt.Errorf("daemon: claiming %s: %w", ctrlplane.BusObjectName, err)
	}

	d.bus.Start()

	if d.cfg.MetricsListen != "" {
		d.startMetricsServer(d.cfg.MetricsListen)
	}

	if d.cfg.ControlListen != "" {
		srv, err := cli.NewServer(d.cfg.ControlListen, d)
		if err != nil {
			return fmt.Errorf("daemon: starting control socket: %w", err)
		}
		srv.Start()
		d.controlServer = srv
	}

	for _, t := range d.cfg.Transports {
		addr := transportAddr(t)
		ln, err := stream.Listen(addr)
		if err != nil {
			return fmt.Errorf("daemon: listening on %s: %w", addr, err)
		}
		d.listenersMu.Lock()
		d.listeners = append(d.listeners, ln)
		d.listenersMu.Unlock()

		d.wg.Add(1)
		go d.acceptLoop(ctx, ln)
	}

	for _, p := range d.cfg.Peers {
		if err := d.dialPeer(p.Addr); err != nil {
			d.logger.Warn("failed to dial peer", "addr", p.Addr, "error", err)
		}
	}
	return nil
}

// Stop closes every listener and halts the control plane's reaper.
// Already-established endpoints are left to drain on their own; the
// daemon does not force-close live connections on shutdown.
func (d *Daemon) Stop() {
	d.listenersMu.Lock()
	for _, ln := range d.listeners {
		ln.Close()
	}
	d.listenersMu.Unlock()
	if d.controlServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.controlServer.Shutdown(ctx)
	}
	d.bus.Stop()
	d.wg.Wait()
}

// Status reports a snapshot of the daemon's current size, satisfying
// cli.StatusProvider for the control socket's status endpoint.
func (d *Daemon) Status() cli.Status {
	return cli.Status{
		GUID:           d.GUID.String(),
		NameCount:      len(d.names.GetBusNames()),
		BusToBusCount:  d.router.BusToBusCount(),
		AdvertiseCount: len(d.bus.ListAdvertisedNames()),
	}
}

func transportAddr(t config.TransportConfig) string {
	switch t.Type {
	case "unix":
		return "unix:path=" + t.Path
	case "tcp":
		host, port, err := net.SplitHostPort(t.Addr)
		if err != nil {
			return ""
		}
		return "tcp:host=" + host + ",port=" + port
	default:
		return ""
	}
}

func (d *Daemon) acceptLoop(ctx context.Context, ln *stream.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.AcceptConn()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Warn("accept failed", "error", err)
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// nextUniqueName allocates the next unique name for this daemon's GUID,
// ":<short-guid>.<n>" with a monotonically increasing per-process
// counter, matching the convention guid.ShortOfUniqueName parses back
// apart.
func (d *Daemon) nextUniqueName() string {
	n := atomic.AddUint64(&d.nameCounter, 1)
	return fmt.Sprintf(":%s.%d", d.GUID.Short(), n)
}

// dispatchToDaemon is the endpoint.Handler wired to this daemon's own
// unique name: standard org.freedesktop.DBus calls go to dbusObj,
// everything addressed to the control-plane object (org.alljoyn.Bus)
// goes to ctrlplane.Bus.HandleMessage. The router hands the Local
// endpoint a Handler with no "from" parameter, so the caller's endpoint
// is recovered from msg.Sender: a client link's rx pipeline stamps it
// with the link's unique name before the message reaches Push, while a
// bus2bus link passes on the sender the peer daemon set.
func (d *Daemon) dispatchToDaemon(ctx context.Context, msg *wire.Message) error {
	from, ok := d.names.FindEndpoint(msg.Sender)
	if !ok {
		d.logger.Debug("dropping message from unknown sender", "sender", msg.Sender, "member", msg.Member)
		return nil
	}
	switch msg.Path {
	case ctrlplane.BusObjectPath:
		return d.bus.HandleMessage(ctx, msg, from)
	default:
		return d.dbusObj.Handle(ctx, msg, from)
	}
}

// startMetricsServer launches the Prometheus /metrics HTTP endpoint in
// the background; a bind failure is logged, not fatal, since metrics
// exposure is an optional debugging aid rather than a daemon requirement.
func (d *Daemon) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Warn("metrics server stopped", "error", err)
		}
	}()
}
