package bench

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leakbench/logging"
	"leakbench/types"
	"leakbench/utils"
)

type countingGauge struct{ reads atomic.Int64 }

func (g *countingGauge) Read() (GaugeReading, error) {
	g.reads.Add(1)
	return GaugeReading{Pressure: 100, Temperature: 21}, nil
}

type sessionFixture struct {
	hw      *fakeHardware
	results *memResults
	reg     *Registry
	ctrl    *Controller
	gauge   *countingGauge
	logs    *bytes.Buffer
	s       *Session
}

func newSessionFixture(t *testing.T, powerOn bool) *sessionFixture {
	t.Helper()
	ctx := context.Background()

	cfgs := types.DefaultDeviceConfigs()
	for i := range cfgs {
		cfgs[i].IsAvailable = true
	}
	reg, err := NewRegistry(ctx, &memDevices{cfgs: cfgs})
	require.NoError(t, err)

	f := &sessionFixture{hw: newFakeHardware(), results: &memResults{}, reg: reg, gauge: &countingGauge{}, logs: &bytes.Buffer{}}
	f.hw.withRelay()
	f.hw.gauge = f.gauge

	events := NewBus[types.Event]()
	f.ctrl = NewController(ControllerConfig{AutoStopBand: 5, AutoStopDwell: time.Minute, Retry: RetryPolicy{Attempts: 1, BreakerThreshold: 3}},
		f.hw, f.results, events, nil, logging.Discard())
	sup := NewSupervisor(SupervisorConfig{PollInterval: time.Millisecond, ThermalLimitC: 45, HeliumMinPercent: 95},
		f.hw, reg, f.ctrl, nil, events, nil, logging.Discard())
	f.s = NewSession(SessionConfig{Mode: "PROFIL", Type: "Quick Test", PowerOnAtOpen: powerOn}, SessionDeps{
		Store:      f.results,
		Results:    f.results,
		Registry:   reg,
		Hardware:   f.hw,
		Controller: f.ctrl,
		Supervisor: sup,
		Calibrator: NewCalibrator(21, 0, logging.Discard()),
		Events:     events,
		Station:    utils.Station{Hostname: "bench-1"},
	}, slog.New(slog.NewTextHandler(f.logs, nil)))
	return f
}

func TestSessionOpenPowersOnAndCloseOrders(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, true)
	require.NoError(f.s.Open(ctx))
	require.Equal(uint(1), f.s.ID())
	require.ErrorIs(f.s.Open(ctx), types.ErrInvalidState)
	require.Eventually(func() bool { return f.gauge.reads.Load() > 2 }, time.Second, time.Millisecond)

	require.NoError(f.s.Start(ctx))
	require.NoError(f.s.Close(ctx))

	// the run was stopped and saved
	require.Len(f.results.Saved(), 1)

	// the supervisor is joined: no further polls
	reads := f.gauge.reads.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(reads, f.gauge.reads.Load())

	require.Equal([]string{
		"relay on Inficon",
		"relay on Helium Solenoid Valve",
		"relay on Helium Analyzer",
		"relay on Mass Flow Controller",
		"close devices",
		"relay off Mass Flow Controller",
		"relay off Helium Analyzer",
		"relay off Helium Solenoid Valve",
		"relay off Inficon",
		"close relay",
	}, f.hw.Trace())
}

func TestSessionCalibrateRequiresIdle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	f.hw.ld.powered = 40
	f.hw.ld.factor = 1.02
	require.NoError(f.s.Open(ctx))
	defer f.s.Close(ctx)

	res, err := f.s.Calibrate(ctx)
	require.NoError(err)
	require.Equal(1.02, res.Factor)

	require.NoError(f.s.Start(ctx))
	_, err = f.s.Calibrate(ctx)
	require.ErrorIs(err, types.ErrInvalidState)
}

func TestSessionReconnectResetsBreaker(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	events, cancel := f.s.Events().Subscribe(16)
	defer cancel()

	f.ctrl.breaker.policy.BreakerThreshold = 1
	f.ctrl.breaker.wait = noWait
	require.NoError(f.s.Start(ctx))
	f.hw.ld.errs = []error{types.ErrTimeout}
	require.ErrorIs(f.ctrl.Step(ctx), types.ErrDeviceDisconnected)
	require.True(f.ctrl.Snapshot().BreakerOpen)

	require.NoError(f.s.Reconnect(ctx))
	require.False(f.ctrl.Snapshot().BreakerOpen)

	var last types.Event
	for len(events) > 0 {
		last = <-events
	}
	require.Equal(types.EventReconnected, last.Kind)
}

func TestSessionPlacementAndListing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	require.NoError(f.s.Open(ctx))
	defer f.s.Close(ctx)

	require.NoError(f.s.Start(ctx))
	m, err := f.s.Stop(ctx)
	require.NoError(err)

	require.ErrorIs(f.s.UpdatePlacement(ctx, m.ID, 0, 1), types.ErrInvalidState)
	require.NoError(f.s.UpdatePlacement(ctx, m.ID, 4, 7))

	require.NoError(f.s.Start(ctx))
	m2, err := f.s.Stop(ctx)
	require.NoError(err)
	require.Equal([2]int{4, 8}, [2]int{m2.PanelNo, m2.LocationNo})

	list, err := f.s.Measurements(ctx)
	require.NoError(err)
	require.Len(list, 2)

	s, err := f.s.Specimen(ctx, m2.ID)
	require.NoError(err)
	require.Equal(m2.ID, s.MeasurementID)
}

func TestSessionUpdateDeviceWhileRunning(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	require.NoError(f.s.Start(ctx))

	cfg := f.reg.Get(types.LeakDetector)
	cfg.BaudRate = 9600
	require.ErrorIs(f.s.UpdateDevice(ctx, cfg), types.ErrInvalidState)

	cfg = f.reg.Get(types.HeliumAnalyzer)
	cfg.Port = "COM21"
	require.NoError(f.s.UpdateDevice(ctx, cfg))
	require.Equal("COM21", f.reg.Get(types.HeliumAnalyzer).Port)
	require.Contains(f.hw.released, types.HeliumAnalyzer)
}

func TestSessionCloseSavesPendingMeasurement(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	require.NoError(f.s.Open(ctx))

	f.results.setFail(errors.New("disk full"))
	require.NoError(f.s.Start(ctx))
	_, err := f.s.Stop(ctx)
	require.ErrorIs(err, types.ErrPersistenceFailure)
	require.True(f.ctrl.Snapshot().Pending)

	f.results.setFail(nil)
	require.NoError(f.s.Close(ctx))
	require.Len(f.results.Saved(), 1)
	require.False(f.ctrl.Snapshot().Pending)
}

func TestSessionCloseReportsUnsavedMeasurement(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	require.NoError(f.s.Open(ctx))

	f.results.setFail(errors.New("disk full"))
	require.NoError(f.s.Start(ctx))
	require.ErrorIs(f.s.Close(ctx), types.ErrPersistenceFailure)
	require.Empty(f.results.Saved())
	require.True(f.ctrl.Snapshot().Pending)

	// power-off still ran
	require.Equal("close relay", f.hw.Trace()[len(f.hw.Trace())-1])
}

func TestSessionReconnectMarksFailedLinkUnavailable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	require.NoError(f.s.Open(ctx))
	defer f.s.Close(ctx)
	require.True(f.reg.Get(types.HeliumAnalyzer).IsAvailable)

	f.hw.mu.Lock()
	f.hw.connectErr = map[types.Role]error{types.HeliumAnalyzer: types.ErrPortBusy}
	f.hw.mu.Unlock()

	require.NoError(f.s.Reconnect(ctx))
	require.False(f.reg.Get(types.HeliumAnalyzer).IsAvailable)
	require.True(f.reg.Get(types.RelaySwitch).IsAvailable)
	require.False(f.reg.unsaved())
}

func TestSessionWarnsWithoutGauge(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := newSessionFixture(t, false)
	f.hw.gauge = nil
	require.NoError(f.s.Open(ctx))
	defer f.s.Close(ctx)
	require.Contains(f.logs.String(), "no pressure gauge attached")

	g := newSessionFixture(t, false)
	require.NoError(g.s.Open(ctx))
	defer g.s.Close(ctx)
	require.NotContains(g.logs.String(), "no pressure gauge attached")
}
