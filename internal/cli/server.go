package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Server is the control socket's HTTP server: one unauthenticated
// GET /status endpoint over a Unix domain socket, owner-only.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	SocketPath string
}

// NewServer binds a Unix domain socket at the path named by addr
// ("unix:/run/busd/control.sock") and serves provider's status over it.
func NewServer(addr string, provider StatusProvider) (*Server, error) {
	path := SocketPath(addr)
	if path == "" {
		return nil, &net.AddrError{Err: "control_listen must be a unix: address", Addr: addr}
	}

	os.Remove(path) //nolint:errcheck
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0600) //nolint:errcheck

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provider.Status())
	})

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		SocketPath: path,
	}, nil
}

// Start begins serving control socket requests in the background.
func (s *Server) Start() {
	go s.httpServer.Serve(s.listener)
}

// Shutdown stops the control socket server and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	defer os.Remove(s.SocketPath) //nolint:errcheck
	return s.httpServer.Shutdown(ctx)
}

// SocketPath extracts the filesystem path out of a "unix:<path>" control
// listen address, returning "" for anything else.
func SocketPath(addr string) string {
	const prefix = "unix:"
	if !strings.HasPrefix(addr, prefix) {
		return ""
	}
	return strings.TrimPrefix(addr, prefix)
}
