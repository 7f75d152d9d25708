package auth

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNegotiateExternalSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Negotiate(server, map[string]func() Mechanism{
			"EXTERNAL": func() Mechanism { return &External{AllowAnyUID: true} },
		})
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	r := bufio.NewReader(client)
	client.Write([]byte{0})
	uidHex := hex.EncodeToString([]byte("0"))
	client.Write([]byte(fmt.Sprintf("AUTH EXTERNAL %s\r\n", uidHex)))

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "OK")

	client.Write([]byte("BEGIN\r\n"))

	select {
	case res := <-done:
		require.Equal(t, "EXTERNAL", res.Mechanism)
	case err := <-errCh:
		t.Fatalf("negotiate failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestNegotiateRejectsUnknownMechanism(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Negotiate(server, map[string]func() Mechanism{
			"EXTERNAL": func() Mechanism { return &External{AllowAnyUID: true} },
		})
		errCh <- err
	}()

	r := bufio.NewReader(client)
	client.Write([]byte{0})
	client.Write([]byte("AUTH BOGUS\r\n"))

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix([]byte(line), []byte("REJECTED")))
}
