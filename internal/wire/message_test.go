package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage(TypeMethodCall)
	m.Path = "/org/freedesktop/DBus"
	m.Interface = "org.freedesktop.DBus"
	m.Member = "Hello"
	m.Dest = "org.freedesktop.DBus"
	m.Sender = ":1.0"
	m.Body = []interface{}{"hello", uint32(42)}

	buf, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)

	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Path, got.Path)
	require.Equal(t, m.Interface, got.Interface)
	require.Equal(t, m.Member, got.Member)
	require.Equal(t, m.Dest, got.Dest)
	require.Equal(t, m.Sender, got.Sender)
	require.Equal(t, m.Body, got.Body)
}

func TestMessageRoundTripSignalWithArray(t *testing.T) {
	m := NewMessage(TypeSignal)
	m.Path = "/org/alljoyn/Bus"
	m.Interface = "org.alljoyn.Bus"
	m.Member = "ExchangeNames"
	m.Sender = ":1.5"
	m.Body = []interface{}{[]string{":1.5", "com.example.Foo"}}

	buf, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, m.Member, got.Member)
	require.Len(t, got.Body, 1)
}

func TestMessageRemarshal(t *testing.T) {
	m := NewMessage(TypeSignal)
	m.Sender = ":1.1"
	m.Serial = 7

	r := m.Remarshal(":1.2", 9)
	require.Equal(t, ":1.2", r.Sender)
	require.Equal(t, uint32(9), r.Serial)
	require.Equal(t, ":1.1", m.Sender, "original message must be unaffected")
}
