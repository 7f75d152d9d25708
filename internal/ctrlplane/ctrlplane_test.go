package ctrlplane

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alljoyn-go/busd/internal/endpoint"
	"github.com/alljoyn-go/busd/internal/guid"
	"github.com/alljoyn-go/busd/internal/nametable"
	"github.com/alljoyn-go/busd/internal/session"
	"github.com/alljoyn-go/busd/internal/wire"
	"github.com/alljoyn-go/busd/internal/wire/stream"
)

// fakeRouter satisfies RouterTable without needing the real router
// package, which would otherwise pull ctrlplane into an import cycle
// with router's own tests.
type fakeRouter struct {
	registered   map[string]endpoint.Endpoint
	unregistered []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{registered: make(map[string]endpoint.Endpoint)}
}

func (f *fakeRouter) RegisterEndpoint(ep endpoint.Endpoint, isLocal bool) error {
	f.registered[ep.UniqueName()] = ep
	return nil
}

func (f *fakeRouter) UnregisterEndpoint(ep endpoint.Endpoint) {
	delete(f.registered, ep.UniqueName())
	f.unregistered = append(f.unregistered, ep.UniqueName())
}

// fakeTransport records every advertise/discover/connect call it sees.
type fakeTransport struct {
	advertised    []string
	discovered    []string
	disadvertised []string
	undiscovered  []string
	connected     []string
	disconnected  []string
}

func (f *fakeTransport) EnableAdvertisement(name string) error {
	f.advertised = append(f.advertised, name)
	return nil
}
func (f *fakeTransport) DisableAdvertisement(name string, allNamesGone bool) error {
	f.disadvertised = append(f.disadvertised, name)
	return nil
}
func (f *fakeTransport) EnableDiscovery(prefix string) error {
	f.discovered = append(f.discovered, prefix)
	return nil
}
func (f *fakeTransport) DisableDiscovery(prefix string) error {
	f.undiscovered = append(f.undiscovered, prefix)
	return nil
}
func (f *fakeTransport) Connect(spec string) error {
	f.connected = append(f.connected, spec)
	return nil
}
func (f *fakeTransport) Disconnect(spec string) error {
	f.disconnected = append(f.disconnected, spec)
	return nil
}

// recordingEndpoint wraps endpoint.Local to additionally capture every
// message pushed to it, so tests can assert on signal fan-out.
type recordingEndpoint struct {
	*endpoint.Local
	received chan *wire.Message
}

func newRecordingEndpoint(uniqueName string) *recordingEndpoint {
	r := &recordingEndpoint{received: make(chan *wire.Message, 16)}
	r.Local = endpoint.NewLocal(uniqueName, func(ctx context.Context, msg *wire.Message) error {
		r.received <- msg
		return nil
	})
	return r
}

func testBus(t *testing.T) (*Bus, *fakeRouter) {
	t.Helper()
	names := nametable.New()
	router := newFakeRouter()
	sessions := session.New()
	b := New(guid.New(), names, router, sessions, nil)
	return b, router
}

func TestAdvertiseNameEnablesOnFirstAdvertiserOnly(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	ep1 := newRecordingEndpoint(":1.1")
	ep2 := newRecordingEndpoint(":1.2")

	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep1))
	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep2))
	require.Equal(t, []string{"com.example.Foo"}, transport.advertised)

	require.Equal(t, StatusAlreadyAdvertising, b.AdvertiseName("com.example.Foo", ep1))
	require.ElementsMatch(t, []string{"com.example.Foo"}, b.ListAdvertisedNames())
}

func TestCancelAdvertiseNameDisablesOnLastAdvertiser(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	ep1 := newRecordingEndpoint(":1.1")
	ep2 := newRecordingEndpoint(":1.2")

	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep1))
	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep2))

	require.Equal(t, StatusOK, b.CancelAdvertiseName("com.example.Foo", ep1))
	require.Empty(t, transport.disadvertised, "one remaining advertiser must not disable the transport")

	require.Equal(t, StatusOK, b.CancelAdvertiseName("com.example.Foo", ep2))
	require.Equal(t, []string{"com.example.Foo"}, transport.disadvertised)
	require.Empty(t, b.ListAdvertisedNames())
}

func TestCancelAdvertiseNameRejectsNonOwner(t *testing.T) {
	b, _ := testBus(t)
	ep1 := newRecordingEndpoint(":1.1")
	ep2 := newRecordingEndpoint(":1.2")

	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep1))
	require.Equal(t, StatusInvalidSpec, b.CancelAdvertiseName("com.example.Foo", ep2))
	require.Equal(t, StatusInvalidSpec, b.CancelAdvertiseName("com.example.Bar", ep1))
}

func TestFindNameReportsAlreadyObservedMatches(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	b.FoundNames("tcp:addr=1.2.3.4", "deadbeef", []string{"com.example.Foo"}, 30)

	subscriber := newRecordingEndpoint(":1.1")
	require.Equal(t, StatusOK, b.FindName("com.example", subscriber))
	require.Equal(t, []string{"com.example"}, transport.discovered)

	select {
	case msg := <-subscriber.received:
		require.Equal(t, MemberFoundAdvertisedName, msg.Member)
		require.Equal(t, []interface{}{"com.example.Foo", "deadbeef", "com.example", "tcp:addr=1.2.3.4"}, msg.Body)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate FoundAdvertisedName for the already-observed match")
	}
}

func TestFindNameRejectsDuplicateSubscription(t *testing.T) {
	b, _ := testBus(t)
	ep := newRecordingEndpoint(":1.1")
	require.Equal(t, StatusOK, b.FindName("com.example", ep))
	require.Equal(t, StatusAlreadyDiscovering, b.FindName("com.example", ep))
}

func TestCancelFindNameDisablesOnLastSubscriber(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	ep := newRecordingEndpoint(":1.1")
	require.Equal(t, StatusOK, b.FindName("com.example", ep))
	require.Equal(t, StatusOK, b.CancelFindName("com.example", ep))
	require.Equal(t, []string{"com.example"}, transport.undiscovered)
}

func TestFoundNamesFansOutToMatchingSubscribersOnly(t *testing.T) {
	b, _ := testBus(t)

	matching := newRecordingEndpoint(":1.1")
	other := newRecordingEndpoint(":1.2")
	require.Equal(t, StatusOK, b.FindName("com.example", matching))
	require.Equal(t, StatusOK, b.FindName("org.other", other))

	b.FoundNames("tcp:addr=1.2.3.4", "deadbeef", []string{"com.example.Foo"}, 30)

	select {
	case msg := <-matching.received:
		require.Equal(t, MemberFoundAdvertisedName, msg.Member)
	case <-time.After(time.Second):
		t.Fatal("expected FoundAdvertisedName for the matching subscriber")
	}
	select {
	case msg := <-other.received:
		t.Fatalf("unexpected delivery to non-matching subscriber: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObservedNameExpiryEmitsLostAdvertisedName(t *testing.T) {
	b, _ := testBus(t)
	subscriber := newRecordingEndpoint(":1.1")
	require.Equal(t, StatusOK, b.FindName("com.example", subscriber))

	b.FoundNames("tcp:addr=1.2.3.4", "deadbeef", []string{"com.example.Foo"}, 1)

	select {
	case msg := <-subscriber.received:
		require.Equal(t, MemberFoundAdvertisedName, msg.Member)
	case <-time.After(time.Second):
		t.Fatal("expected the initial FoundAdvertisedName")
	}

	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool {
		select {
		case msg := <-subscriber.received:
			return msg.Member == MemberLostAdvertisedName
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "expected the reaper to expire the observed name")
}

func TestFoundNamesSourceGoneExpiresEverything(t *testing.T) {
	b, _ := testBus(t)
	subscriber := newRecordingEndpoint(":1.1")
	require.Equal(t, StatusOK, b.FindName("com.example", subscriber))

	b.FoundNames("tcp:addr=1.2.3.4", "deadbeef", []string{"com.example.Foo", "com.example.Bar"}, 30)
	<-subscriber.received
	<-subscriber.received

	b.FoundNames("tcp:addr=1.2.3.4", "deadbeef", nil, 0)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-subscriber.received:
			require.Equal(t, MemberLostAdvertisedName, msg.Member)
			seen[msg.Body[0].(string)] = true
		case <-time.After(time.Second):
			t.Fatal("expected LostAdvertisedName for every name the departed source had advertised")
		}
	}
	require.True(t, seen["com.example.Foo"])
	require.True(t, seen["com.example.Bar"])
}

func TestConnectDialsOnlyOnFirstCaller(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	ep1 := newRecordingEndpoint(":1.1")
	ep2 := newRecordingEndpoint(":1.2")

	require.Equal(t, StatusOK, b.Connect("tcp:addr=1.2.3.4", ep1))
	require.Equal(t, StatusOK, b.Connect("tcp:addr=1.2.3.4", ep2))
	require.Equal(t, []string{"tcp:addr=1.2.3.4"}, transport.connected)

	require.Equal(t, StatusOK, b.Disconnect("tcp:addr=1.2.3.4", ep1))
	require.Empty(t, transport.disconnected)
	require.Equal(t, StatusOK, b.Disconnect("tcp:addr=1.2.3.4", ep2))
	require.Equal(t, []string{"tcp:addr=1.2.3.4"}, transport.disconnected)
}

func TestOnNameOwnerChangedPurgesDepartedEndpointBookkeeping(t *testing.T) {
	b, _ := testBus(t)
	transport := &fakeTransport{}
	b.AddTransport(transport)

	ep := newRecordingEndpoint(":1.1")
	require.NoError(t, b.names.AddUniqueName(ep))
	require.Equal(t, StatusOK, b.AdvertiseName("com.example.Foo", ep))
	require.Equal(t, StatusOK, b.FindName("com.example", ep))
	require.Equal(t, StatusOK, b.Connect("tcp:addr=1.2.3.4", ep))

	b.names.RemoveUniqueName(ep.UniqueName())

	require.Empty(t, b.ListAdvertisedNames())
	require.Equal(t, []string{"com.example.Foo"}, transport.disadvertised)
	require.Equal(t, []string{"com.example"}, transport.undiscovered)
	require.Equal(t, []string{"tcp:addr=1.2.3.4"}, transport.disconnected)
}

// pipeRemoteEndpoint builds a *endpoint.RemoteEndpoint over a net.Pipe
// half, enough for the gossip tests to exercise real PushMessage/Close
// semantics without a real socket.
func pipeRemoteEndpoint(t *testing.T, uniqueName, remoteGUID string) (*endpoint.RemoteEndpoint, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	ep := endpoint.NewRemoteEndpoint(stream.Wrap(local), noopRouter{}, endpoint.Options{
		UniqueName: uniqueName,
		Kind:       endpoint.KindBus2Bus,
	})
	ep.SetRemoteGUID(remoteGUID)
	t.Cleanup(func() { ep.Close() })
	return ep, remote
}

type noopRouter struct{}

func (noopRouter) Push(ctx context.Context, msg *wire.Message, from endpoint.Endpoint) error {
	return nil
}

func TestAddBusToBusEndpointSendsExchangeNamesExcludingPeerGUID(t *testing.T) {
	b, _ := testBus(t)
	local := newRecordingEndpoint(":local.1")
	require.NoError(t, b.names.AddUniqueName(local))
	_, err := b.names.AddAlias("com.example.Local", local, 0)
	require.NoError(t, err)
	// A name carrying the peer's own GUID segment must not be echoed back.
	peerOwned := newRecordingEndpoint(":deadbeef.7")
	require.NoError(t, b.names.AddUniqueName(peerOwned))

	ep, remote := pipeRemoteEndpoint(t, ":deadbeef.1", "deadbeef")
	ep.Start()
	defer remote.Close()

	b.AddBusToBusEndpoint(ep)

	rs := stream.Wrap(remote)
	msg, err := rs.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, MemberExchangeNames, msg.Member)

	decoded, ok := DecodeExchangeNames(msg.Body)
	require.True(t, ok)
	var sent []string
	for _, tup := range decoded.tuples {
		sent = append(sent, tup.unique)
	}
	require.Contains(t, sent, ":local.1")
	require.NotContains(t, sent, ":deadbeef.7")
}

func TestRemoveBusToBusEndpointDropsOrphanedVirtualEndpoints(t *testing.T) {
	b, router := testBus(t)

	ep, remote := pipeRemoteEndpoint(t, ":cafebabe.1", "cafebabe")
	ep.Start()
	defer remote.Close()

	added := b.AddVirtualEndpoint(":cafebabe.2", ep)
	require.True(t, added)
	require.Contains(t, router.registered, ":cafebabe.2")

	b.RemoveBusToBusEndpoint(ep)
	require.NotContains(t, router.registered, ":cafebabe.2")
	require.Contains(t, router.unregistered, ":cafebabe.2")
}

func TestHandleNameChangedRejectsLocallyOwnedName(t *testing.T) {
	b, _ := testBus(t)
	// A unique name whose GUID segment matches this daemon's own short
	// GUID, as any name this daemon itself allocated would.
	localUnique := ":" + b.localGUID.Short() + ".1"
	local := newRecordingEndpoint(localUnique)
	require.NoError(t, b.names.AddUniqueName(local))

	ep, remote := pipeRemoteEndpoint(t, ":cafebabe.1", "cafebabe")
	ep.Start()
	defer remote.Close()

	// A peer daemon must never be able to claim a unique name whose GUID
	// segment collides with this daemon's own.
	b.HandleNameChanged("com.example.Foo", "", localUnique, ep)
	_, ok := b.names.FindEndpoint("com.example.Foo")
	require.False(t, ok)
}
