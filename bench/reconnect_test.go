package bench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leakbench/devices"
	"leakbench/devices/serialtest"
	"leakbench/logging"
	"leakbench/types"
)

type reconnectFixture struct {
	opener *serialtest.Opener
	mgr    *devices.Manager
	reg    *Registry
	store  *memDevices
	rm     *ReconnectManager
	ports  []devices.PortInfo
}

func newReconnectFixture(t *testing.T, present ...string) *reconnectFixture {
	t.Helper()
	f := &reconnectFixture{opener: serialtest.NewOpener(), store: &memDevices{cfgs: types.DefaultDeviceConfigs()}}
	for _, p := range present {
		f.ports = append(f.ports, devices.PortInfo{Name: p})
	}
	f.mgr = devices.NewManager(f.opener, logging.Discard())
	reg, err := NewRegistry(context.Background(), f.store)
	require.NoError(t, err)
	f.reg = reg
	f.rm = NewReconnectManager(ReconnectConfig{ReadTimeout: time.Second, RelaySettle: 0},
		reg, f.mgr, func() ([]devices.PortInfo, error) { return f.ports, nil }, logging.Discard())
	t.Cleanup(f.mgr.CloseAll)
	return f
}

// held lists the default device ports currently owned by a link.
func (f *reconnectFixture) held() []string {
	var out []string
	for _, cfg := range types.DefaultDeviceConfigs() {
		if _, ok := f.mgr.Owner(cfg.Port); ok {
			out = append(out, cfg.Port)
		}
	}
	return out
}

func TestReconnectOpensAvailableDevices(t *testing.T) {
	require := require.New(t)

	f := newReconnectFixture(t, "COM11", "COM8", "COM6")
	require.NoError(f.rm.Rescan(context.Background()))

	require.True(f.reg.Get(types.LeakDetector).IsAvailable)
	require.True(f.reg.Get(types.MassFlowController).IsAvailable)
	require.True(f.reg.Get(types.HeliumAnalyzer).IsAvailable)
	require.False(f.reg.Get(types.RelaySwitch).IsAvailable)

	_, ok := f.rm.LeakDetector()
	require.True(ok)
	_, ok = f.rm.MassFlow()
	require.True(ok)
	// the analyzer is opened on demand
	_, ok = f.rm.Analyzer()
	require.False(ok)
	require.Equal([]string{"COM11", "COM8"}, f.held())
	require.Equal(1, f.store.Saves())
}

func TestReconnectIsIdempotent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newReconnectFixture(t, "COM11", "COM8")
	require.NoError(f.rm.Rescan(ctx))
	before := f.reg.All()
	saves := f.store.Saves()

	require.NoError(f.rm.Rescan(ctx))
	require.Equal(before, f.reg.All())
	require.Equal(1, f.opener.Opens("COM11"))
	require.Equal(1, f.opener.Opens("COM8"))
	require.Equal([]string{"COM11", "COM8"}, f.held())
	require.Equal(saves, f.store.Saves())
}

func TestReconnectReopensReleasedLink(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newReconnectFixture(t, "COM11")
	require.NoError(f.rm.Rescan(ctx))
	f.rm.Release(types.LeakDetector)
	_, ok := f.rm.LeakDetector()
	require.False(ok)
	require.Empty(f.held())

	require.NoError(f.rm.Rescan(ctx))
	_, ok = f.rm.LeakDetector()
	require.True(ok)
	require.Equal(2, f.opener.Opens("COM11"))
}

func TestReconnectNoPorts(t *testing.T) {
	f := newReconnectFixture(t)
	err := f.rm.Rescan(context.Background())
	require.ErrorIs(t, err, types.ErrHardwareNotFound)
	require.ErrorIs(t, err, types.ErrPortUnavailable)
}

func TestReconnectOpenFailureLeavesUnavailable(t *testing.T) {
	require := require.New(t)

	f := newReconnectFixture(t, "COM11", "COM8")
	f.opener.Fail("COM8", errSimulated)

	require.NoError(f.rm.Rescan(context.Background()))
	require.True(f.reg.Get(types.LeakDetector).IsAvailable)
	require.False(f.reg.Get(types.MassFlowController).IsAvailable)
	_, ok := f.rm.MassFlow()
	require.False(ok)
}

func TestReconnectMarksMissingUnavailable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newReconnectFixture(t, "COM11", "COM8")
	require.NoError(f.rm.Rescan(ctx))

	f.ports = []devices.PortInfo{{Name: "COM11"}}
	require.NoError(f.rm.Rescan(ctx))
	require.False(f.reg.Get(types.MassFlowController).IsAvailable)
	require.True(f.reg.Get(types.LeakDetector).IsAvailable)
}

func TestReconnectConnectRelayAndClose(t *testing.T) {
	require := require.New(t)

	f := newReconnectFixture(t, "COM12", "COM6")
	require.NoError(f.rm.Rescan(context.Background()))
	require.NoError(f.rm.Connect(types.RelaySwitch))
	require.NoError(f.rm.Connect(types.HeliumAnalyzer))
	require.NoError(f.rm.Connect(types.RelaySwitch))
	require.Equal(1, f.opener.Opens("COM12"))

	relay, ok := f.rm.Relay()
	require.True(ok)
	require.NotNil(relay)
	_, ok = f.rm.Analyzer()
	require.True(ok)

	require.NoError(f.rm.CloseDevices())
	_, ok = f.rm.Analyzer()
	require.False(ok)
	_, ok = f.rm.Relay()
	require.True(ok)

	require.NoError(f.rm.CloseRelay())
	_, ok = f.rm.Relay()
	require.False(ok)
	require.True(f.opener.Port("COM12").Closed())
	require.Empty(f.held())
}

func TestReconnectGauge(t *testing.T) {
	f := newReconnectFixture(t, "COM11")
	_, ok := f.rm.Gauge()
	require.False(t, ok)

	f.rm.AttachGauge(fakeGauge{r: GaugeReading{Pressure: 120}})
	g, ok := f.rm.Gauge()
	require.True(t, ok)
	r, err := g.Read()
	require.NoError(t, err)
	require.Equal(t, 120.0, r.Pressure)
}
