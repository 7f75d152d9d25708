package daemon

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alljoyn-go/busd/internal/auth"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/alljoyn-go/busd/internal/wire/stream"
)

// TestClientHandshakeOverPipe drives the full accept-side bring-up
// (SASL EXTERNAL, then Hello) over an in-memory net.Pipe and checks the
// client gets back a unique name and can then be resolved in the name
// table.
func TestClientHandshakeOverPipe(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConn(context.Background(), serverConn)
	}()

	clientConn.SetDeadline(time.Now().Add(5 * time.Second))

	// SASL: leading NUL, then AUTH EXTERNAL with the hex-encoded uid.
	_, err = clientConn.Write([]byte{0})
	require.NoError(t, err)
	uidHex := hex.EncodeToString([]byte("0"))
	_, err = clientConn.Write([]byte("AUTH EXTERNAL " + uidHex + "\r\n"))
	require.NoError(t, err)

	line := readLine(t, clientConn)
	require.Contains(t, line, "OK")

	_, err = clientConn.Write([]byte("BEGIN\r\n"))
	require.NoError(t, err)

	clientStream := stream.Wrap(clientConn)
	hello := wire.NewMessage(wire.TypeMethodCall)
	hello.Path = auth.BusDaemonPath
	hello.Interface = auth.BusDaemonInterface
	hello.Member = "Hello"
	hello.Dest = auth.BusDaemonName
	require.NoError(t, clientStream.WriteMessage(hello))

	reply, err := clientStream.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.TypeMethodReturn, reply.Type)
	require.Len(t, reply.Body, 1)
	uniqueName, ok := reply.Body[0].(string)
	require.True(t, ok)
	require.NotEmpty(t, uniqueName)

	_, found := d.names.FindEndpoint(uniqueName)
	require.True(t, found)

	clientConn.Close()
	<-done
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}
