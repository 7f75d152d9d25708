package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alljoyn-go/busd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := (&config.Config{
		Transports:    []config.TransportConfig{{Type: "unix", Path: filepath.Join(dir, "bus.sock")}},
		ControlListen: "unix:" + filepath.Join(dir, "control.sock"),
	}).WithDefaults()
	return cfg
}

func TestNewAllocatesDistinctUniqueNames(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	a := d.nextUniqueName()
	b := d.nextUniqueName()
	require.NotEqual(t, a, b)
	require.Contains(t, a, d.GUID.Short())
}

func TestStartRegistersStandardBusNames(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	_, ok := d.names.FindEndpoint("org.freedesktop.DBus")
	require.True(t, ok)
	_, ok = d.names.FindEndpoint("org.alljoyn.Bus")
	require.True(t, ok)
}

func TestResolveGUIDGeneratesWhenSeedEmpty(t *testing.T) {
	g1, err := resolveGUID("")
	require.NoError(t, err)
	g2, err := resolveGUID("")
	require.NoError(t, err)
	require.NotEqual(t, g1, g2)
}

func TestResolveGUIDParsesSeed(t *testing.T) {
	seed := "0123456789abcdef0123456789abcdef"
	g, err := resolveGUID(seed)
	require.NoError(t, err)
	require.Equal(t, seed, g.String())
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotPanics(t, func() {
		d.Stop()
		d.Stop()
	})
}
