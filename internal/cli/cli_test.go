package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	status Status
}

func (f *fakeProvider) Status() Status { return f.status }

func TestSocketPathParsesUnixPrefix(t *testing.T) {
	require.Equal(t, "/run/busd/control.sock", SocketPath("unix:/run/busd/control.sock"))
	require.Empty(t, SocketPath("tcp:127.0.0.1:9000"))
}

func TestServerClientRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	provider := &fakeProvider{status: Status{GUID: "abc123", NameCount: 3, BusToBusCount: 1, AdvertiseCount: 2}}

	srv, err := NewServer("unix:"+path, provider)
	require.NoError(t, err)
	srv.Start()
	defer srv.Shutdown(context.Background())

	client, err := NewClient("unix:" + path)
	require.NoError(t, err)

	got, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, provider.status, got)
}

func TestNewClientRejectsNonUnixAddress(t *testing.T) {
	_, err := NewClient("tcp:127.0.0.1:9000")
	require.Error(t, err)
}
