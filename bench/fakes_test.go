package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leakbench/devices"
	"leakbench/logging"
	"leakbench/types"
	"leakbench/utils"
)

var errSimulated = errors.New("simulated")

type memDevices struct {
	mu    sync.Mutex
	cfgs  []types.DeviceConfig
	saves int
	fail  error
}

func (m *memDevices) LoadDevices(context.Context) ([]types.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.DeviceConfig(nil), m.cfgs...), nil
}

func (m *memDevices) SaveDevices(_ context.Context, cfgs []types.DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saves++
	m.cfgs = append([]types.DeviceConfig(nil), cfgs...)
	return nil
}

func (m *memDevices) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// memResults keeps measurements in memory and derives placement from the
// latest active row, like the SQL store.
type memResults struct {
	mu        sync.Mutex
	rows      []types.Measurement
	specimens []types.Specimen
	maxSerial int
	fail      error
	sessions  int
}

func (m *memResults) SaveMeasurement(_ context.Context, meas *types.Measurement, s *types.Specimen) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	meas.PanelNo, meas.LocationNo = 1, 1
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Active && m.rows[i].SessionID == meas.SessionID {
			meas.PanelNo, meas.LocationNo = m.rows[i].PanelNo, m.rows[i].LocationNo+1
			break
		}
	}
	meas.ID = uint(len(m.rows) + 1)
	s.MeasurementID = meas.ID
	s.ID = meas.ID
	m.rows = append(m.rows, *meas)
	m.specimens = append(m.specimens, *s)
	return nil
}

func (m *memResults) SoftDeleteLast(_ context.Context, sessionID uint) (*types.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Active && m.rows[i].SessionID == sessionID {
			m.rows[i].Active = false
			out := m.rows[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memResults) MaxSerial(context.Context, uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSerial, nil
}

func (m *memResults) ListMeasurements(_ context.Context, sessionID uint) ([]types.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Measurement
	for _, r := range m.rows {
		if r.Active && r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memResults) Specimen(_ context.Context, id uint) (*types.Specimen, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.specimens {
		if s.MeasurementID == id {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("specimen %d not found", id)
}

func (m *memResults) UpdatePlacement(_ context.Context, id uint, panel, location int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].PanelNo, m.rows[i].LocationNo = panel, location
			return nil
		}
	}
	return fmt.Errorf("measurement %d not found", id)
}

func (m *memResults) CreateSession(context.Context, string, string, utils.Station) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions++
	return uint(m.sessions), nil
}

func (m *memResults) Saved() []types.Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Measurement(nil), m.rows...)
}

func (m *memResults) Specimens() []types.Specimen {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Specimen(nil), m.specimens...)
}

func (m *memResults) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// fakeDetector answers reads from a script; the last entry repeats.
type fakeDetector struct {
	mu       sync.Mutex
	values   []float64
	errs     []error
	reads    int
	starts   int
	stops    int
	startErr error
	powered  int
	cals     int
	factor   float64
}

func (f *fakeDetector) ReadLeakRate() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.reads
	f.reads++
	if len(f.errs) > 0 {
		err := f.errs[min(i, len(f.errs)-1)]
		if err != nil {
			return 0, err
		}
	}
	if len(f.values) == 0 {
		return 1e-6, nil
	}
	return f.values[min(i, len(f.values)-1)], nil
}

func (f *fakeDetector) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeDetector) StopAndVent() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeDetector) PowerOnMinutes() (int, error) { return f.powered, nil }

func (f *fakeDetector) Calibrate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cals++
	return nil
}

func (f *fakeDetector) CalibrationFactor() (float64, error) { return f.factor, nil }

func (f *fakeDetector) counts() (starts, stops, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.reads
}

type fakeMassFlow struct {
	mu        sync.Mutex
	status    devices.MassFlowStatus
	err       error
	setpoints []float64
}

func (f *fakeMassFlow) ReadStatus() (devices.MassFlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeMassFlow) SetSetpoint(sccm float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setpoints = append(f.setpoints, sccm)
	return nil
}

func (f *fakeMassFlow) setTemperature(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Temperature = t
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	helium float64
}

func (f *fakeAnalyzer) ReadLatest() (devices.AnalyzerReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return devices.AnalyzerReading{Helium: f.helium}, nil
}

func (f *fakeAnalyzer) set(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helium = v
}

type fakeGauge struct{ r GaugeReading }

func (f fakeGauge) Read() (GaugeReading, error) { return f.r, nil }

// recordingRelay implements devices.RelayChannel and records every call.
type recordingRelay struct {
	mu    sync.Mutex
	calls []string
	fail  error
	trace *[]string
}

func (r *recordingRelay) Set(load devices.RelayLoad, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	call := fmt.Sprintf("%s %s", state, load)
	r.calls = append(r.calls, call)
	if r.trace != nil {
		*r.trace = append(*r.trace, "relay "+call)
	}
	return r.fail
}

func (r *recordingRelay) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeHardware implements Hardware over the fakes above.
type fakeHardware struct {
	mu        sync.Mutex
	ld        *fakeDetector
	mfc       *fakeMassFlow
	analyzer  *fakeAnalyzer
	gauge     PressureGauge
	relay     *recordingRelay
	seq       *devices.RelaySequencer
	rescans   int
	released  []types.Role
	trace      []string
	rescanErr  error
	connectErr map[types.Role]error
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{ld: &fakeDetector{}}
}

func (h *fakeHardware) withRelay() *recordingRelay {
	h.relay = &recordingRelay{trace: &h.trace}
	h.seq = devices.NewRelaySequencer(h.relay, 0, logging.Discard())
	return h.relay
}

func (h *fakeHardware) Rescan(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rescans++
	return h.rescanErr
}

func (h *fakeHardware) Connect(role types.Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectErr[role]
}

func (h *fakeHardware) Release(role types.Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, role)
}

func (h *fakeHardware) LeakDetector() (LeakDetector, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ld == nil {
		return nil, false
	}
	return h.ld, true
}

func (h *fakeHardware) MassFlow() (MassFlow, bool) {
	if h.mfc == nil {
		return nil, false
	}
	return h.mfc, true
}

func (h *fakeHardware) Analyzer() (Analyzer, bool) {
	if h.analyzer == nil {
		return nil, false
	}
	return h.analyzer, true
}

func (h *fakeHardware) Gauge() (PressureGauge, bool) { return h.gauge, h.gauge != nil }

func (h *fakeHardware) Relay() (PowerSwitch, bool) {
	if h.seq == nil {
		return nil, false
	}
	return h.seq, true
}

func (h *fakeHardware) CloseDevices() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, "close devices")
	return nil
}

func (h *fakeHardware) CloseRelay() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, "close relay")
	return nil
}

func (h *fakeHardware) Trace() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trace...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func noWait(context.Context, time.Duration) error { return nil }
