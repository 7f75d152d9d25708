package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client talks to a running daemon's control socket.
type Client struct {
	http *http.Client
}

// NewClient builds a Client dialing the Unix domain socket named by addr
// ("unix:/run/busd/control.sock") for every request.
func NewClient(addr string) (*Client, error) {
	path := SocketPath(addr)
	if path == "" {
		return nil, fmt.Errorf("cli: control_listen %q is not a unix: address", addr)
	}
	dialer := net.Dialer{Timeout: 2 * time.Second}
	return &Client{
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", path)
				},
			},
		},
	}, nil
}

// Status fetches the running daemon's current status snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://control/status", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("cli: connecting to control socket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("cli: control socket returned %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("cli: decoding status: %w", err)
	}
	return st, nil
}
