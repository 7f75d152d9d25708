package matchrule

import (
	"testing"

	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestParseAndMatch(t *testing.T) {
	r, err := Parse("type='signal',interface='org.alljoyn.Bus',member='ExchangeNames'")
	require.NoError(t, err)
	require.True(t, r.HasType)
	require.Equal(t, wire.TypeSignal, r.Type)

	msg := &wire.Message{Type: wire.TypeSignal, Interface: "org.alljoyn.Bus", Member: "ExchangeNames"}
	require.True(t, r.Match(msg, ""))

	msg.Member = "NameChanged"
	require.False(t, r.Match(msg, ""))
}

func TestMatchSessionAndArg0(t *testing.T) {
	r, err := Parse("session='7',arg0='com.example.Foo'")
	require.NoError(t, err)

	msg := &wire.Message{SessionID: 7}
	require.True(t, r.Match(msg, "com.example.Foo"))
	require.False(t, r.Match(msg, "com.example.Bar"))

	msg.SessionID = 8
	require.False(t, r.Match(msg, "com.example.Foo"))
}

func TestPathNamespace(t *testing.T) {
	r, err := Parse("path_namespace='/org/alljoyn'")
	require.NoError(t, err)

	require.True(t, r.Match(&wire.Message{Path: "/org/alljoyn"}, ""))
	require.True(t, r.Match(&wire.Message{Path: "/org/alljoyn/Bus"}, ""))
	require.False(t, r.Match(&wire.Message{Path: "/org/other"}, ""))
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse("bogus='x'")
	require.Error(t, err)
}
