package nametable

import (
	"context"
	"testing"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	name string
}

func (f *fakeEndpoint) UniqueName() string { return f.name }
func (f *fakeEndpoint) Kind() endpoint.Kind { return endpoint.KindClient }
func (f *fakeEndpoint) UID() int            { return 0 }
func (f *fakeEndpoint) GID() int            { return 0 }
func (f *fakeEndpoint) Close() error        { return nil }
func (f *fakeEndpoint) PushMessage(ctx context.Context, msg *wire.Message) error {
	return nil
}

func TestAddAliasFirstOwnerIsPrimary(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	status, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPrimaryOwner, status)

	ep, ok := tbl.FindEndpoint("com.example.Foo")
	require.True(t, ok)
	require.Equal(t, a, ep)
}

func TestAddAliasQueuesWithoutDoNotQueue(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	b := &fakeEndpoint{name: ":1.2"}

	_, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)

	status, err := tbl.AddAlias("com.example.Foo", b, 0)
	require.NoError(t, err)
	require.Equal(t, StatusInQueue, status)

	require.Equal(t, []string{":1.1", ":1.2"}, tbl.ListQueuedOwners("com.example.Foo"))
}

func TestAddAliasDoNotQueueReturnsExists(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	b := &fakeEndpoint{name: ":1.2"}

	_, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)

	status, err := tbl.AddAlias("com.example.Foo", b, FlagDoNotQueue)
	require.NoError(t, err)
	require.Equal(t, StatusExists, status)
}

func TestAddAliasReplacesWhenAllowed(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	b := &fakeEndpoint{name: ":1.2"}

	_, err := tbl.AddAlias("com.example.Foo", a, FlagAllowReplacement)
	require.NoError(t, err)

	status, err := tbl.AddAlias("com.example.Foo", b, FlagReplaceExisting)
	require.NoError(t, err)
	require.Equal(t, StatusPrimaryOwner, status)

	ep, ok := tbl.FindEndpoint("com.example.Foo")
	require.True(t, ok)
	require.Equal(t, b, ep)
}

func TestReleaseNamePromotesNextQueuedOwner(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	b := &fakeEndpoint{name: ":1.2"}

	_, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)
	_, err = tbl.AddAlias("com.example.Foo", b, 0)
	require.NoError(t, err)

	status, err := tbl.RemoveAlias("com.example.Foo", a)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, status)

	ep, ok := tbl.FindEndpoint("com.example.Foo")
	require.True(t, ok)
	require.Equal(t, b, ep)
}

func TestRemoveUniqueNameReleasesAllOwnedNames(t *testing.T) {
	tbl := New()
	a := &fakeEndpoint{name: ":1.1"}
	require.NoError(t, tbl.AddUniqueName(a))
	_, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)

	tbl.RemoveUniqueName(":1.1")

	_, ok := tbl.FindEndpoint("com.example.Foo")
	require.False(t, ok)
	_, ok = tbl.FindEndpoint(":1.1")
	require.False(t, ok)
}

func TestListenerNotifiedOnOwnerChange(t *testing.T) {
	tbl := New()
	var events [][3]string
	tbl.AddListener(ListenerFunc(func(name, old, new string) {
		events = append(events, [3]string{name, old, new})
	}))

	a := &fakeEndpoint{name: ":1.1"}
	_, err := tbl.AddAlias("com.example.Foo", a, 0)
	require.NoError(t, err)

	require.Len(t, events, 1)
	require.Equal(t, "com.example.Foo", events[0][0])
	require.Equal(t, "", events[0][1])
	require.Equal(t, ":1.1", events[0][2])
}
