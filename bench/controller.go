package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"leakbench/types"
)

type ControllerConfig struct {
	// SampleInterval is the minimal delay between two samples. Zero
	// disables the background sampler and samples are taken with Step.
	SampleInterval time.Duration
	LeakLimit      float64
	AutoStopBand   float64
	AutoStopDwell  time.Duration
	Retry          RetryPolicy
}

// DetectorSource is the part of Hardware the controller needs.
type DetectorSource interface {
	Rescan(ctx context.Context) error
	LeakDetector() (LeakDetector, bool)
	Release(role types.Role)
}

type runState struct {
	startedAt time.Time
	series    []types.SamplePoint
	max       float64
	temps     []float64
	auto      *AutoStop
}

type record struct {
	m types.Measurement
	s types.Specimen
}

// ControllerSnapshot is the controller part of the status view.
type ControllerSnapshot struct {
	Phase        types.Phase         `json:"phase"`
	SessionID    uint                `json:"session_id"`
	LastSerial   int                 `json:"last_serial"`
	Samples      int                 `json:"samples"`
	Elapsed      float64             `json:"elapsed_seconds"`
	LeakRate     float64             `json:"leak_rate"`
	Max          float64             `json:"max_leak_rate"`
	AutoStop     types.AutoStopState `json:"auto_stop"`
	Pending      bool                `json:"pending"`
	StartEnabled bool                `json:"start_enabled"`
	BreakerOpen  bool                `json:"breaker_open"`
}

// Controller runs one measurement at a time: start the leak detector,
// sample it, stop and vent, persist the result. It is the only writer of
// the run state.
type Controller struct {
	cfg      ControllerConfig
	hw       DetectorSource
	sink     ResultSink
	obs      Observer
	log      *slog.Logger
	events   *Bus[types.Event]
	readings *Bus[types.LiveReading]
	breaker  *Breaker
	now      func() time.Time

	// op serializes the operator commands.
	op sync.Mutex

	mu        sync.Mutex
	phase     types.Phase
	sessionID uint
	serial    int
	inhibited bool
	run       *runState
	pending   *record
	live      func() types.LiveStatus
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewController(cfg ControllerConfig, hw DetectorSource, sink ResultSink, events *Bus[types.Event], obs Observer, log *slog.Logger) *Controller {
	if obs == nil {
		obs = nopObserver{}
	}
	if events == nil {
		events = NewBus[types.Event]()
	}
	if cfg.AutoStopBand <= 1 {
		cfg.AutoStopBand = 5
	}
	c := &Controller{
		cfg:      cfg,
		hw:       hw,
		sink:     sink,
		obs:      obs,
		log:      log.With("component", "measurement"),
		events:   events,
		readings: NewBus[types.LiveReading](),
		now:      time.Now,
		phase:    types.PhaseIdle,
		live:     func() types.LiveStatus { return types.LiveStatus{} },
	}
	c.breaker = NewBreaker(cfg.Retry, func(attempt int, err error) {
		c.obs.ReadRetried(types.LeakDetector)
		c.log.Warn("leak detector call failed, retrying", "attempt", attempt, "error", err)
	})
	return c
}

// Readings is the stream of samples of the running measurement.
func (c *Controller) Readings() *Bus[types.LiveReading] { return c.readings }

// SetLiveSource installs the provider of the helium context recorded with
// every measurement.
func (c *Controller) SetLiveSource(fn func() types.LiveStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = fn
}

// SetSession binds the controller to a session and continues its serial
// numbers from the highest one stored.
func (c *Controller) SetSession(ctx context.Context, sessionID uint) error {
	c.op.Lock()
	defer c.op.Unlock()

	last, err := c.sink.MaxSerial(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: reading last serial: %v", types.ErrPersistenceFailure, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != types.PhaseIdle {
		return fmt.Errorf("%w: measurement in progress", types.ErrInvalidState)
	}
	c.sessionID, c.serial = sessionID, last
	return nil
}

// Start reconnects the leak detector, sends the start command and begins
// a new run.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	switch {
	case c.phase != types.PhaseIdle:
		c.mu.Unlock()
		return fmt.Errorf("%w: measurement is %s", types.ErrInvalidState, c.phase)
	case c.pending != nil:
		c.mu.Unlock()
		return fmt.Errorf("%w: previous result is not saved", types.ErrInvalidState)
	case c.inhibited:
		c.mu.Unlock()
		return fmt.Errorf("start disabled: %w", types.ErrThermalFault)
	}
	c.phase = types.PhaseStarting
	c.mu.Unlock()

	c.breaker.Reset()
	err := c.breaker.Do(ctx, func() error {
		if err := c.hw.Rescan(ctx); err != nil {
			if errors.Is(err, types.ErrHardwareNotFound) {
				return err
			}
			c.log.Warn("rescan failed", "error", err)
		}
		ld, ok := c.hw.LeakDetector()
		if !ok {
			return types.WrapDevice(types.LeakDetector, "start", types.ErrHardwareNotFound)
		}
		return ld.Start()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.phase = types.PhaseIdle
		c.obs.DeviceFault(types.LeakDetector)
		return err
	}
	c.run = &runState{
		startedAt: c.now(),
		auto:      NewAutoStop(c.cfg.AutoStopBand, c.cfg.AutoStopDwell),
	}
	c.phase = types.PhaseRunning
	if c.cfg.SampleInterval > 0 {
		sctx, cancel := context.WithCancel(context.Background())
		c.cancel, c.done = cancel, make(chan struct{})
		go c.sample(sctx, c.done)
	}
	c.log.Info("measurement started", "session", c.sessionID, "serial", c.serial+1)
	c.events.Publish(newEvent(types.EventStarted, "", nil))
	return nil
}

func (c *Controller) sample(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		auto, err := c.step(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, types.ErrDeviceDisconnected):
			c.abort(err)
			return
		case err != nil:
			c.log.Error("sample failed", "error", err)
			c.events.Publish(newEvent(types.EventFault, err.Error(), nil))
		case auto:
			// Stop waits for this goroutine to exit.
			go func() {
				if _, err := c.stop(context.Background(), true); err != nil && !errors.Is(err, types.ErrInvalidState) {
					c.log.Error("auto-stop failed", "error", err)
				}
			}()
			return
		}
	}
}

// Step takes one sample. It is the sampling entry point when the
// background sampler is disabled and stops the run itself when auto-stop
// fires.
func (c *Controller) Step(ctx context.Context) error {
	c.op.Lock()
	auto, err := c.step(ctx)
	c.op.Unlock()
	if errors.Is(err, types.ErrDeviceDisconnected) {
		c.abort(err)
		return err
	}
	if err != nil || !auto {
		return err
	}
	_, err = c.stop(ctx, true)
	return err
}

func (c *Controller) step(ctx context.Context) (bool, error) {
	if c.Phase() != types.PhaseRunning {
		return false, fmt.Errorf("%w: no measurement running", types.ErrInvalidState)
	}

	var v float64
	err := c.breaker.Do(ctx, func() error {
		ld, ok := c.hw.LeakDetector()
		if !ok {
			return types.WrapDevice(types.LeakDetector, "read", types.ErrPortUnavailable)
		}
		var err error
		v, err = ld.ReadLeakRate()
		return err
	})
	if err != nil {
		c.obs.DeviceFault(types.LeakDetector)
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != types.PhaseRunning || c.run == nil {
		return false, nil
	}
	r := c.run
	p := types.SamplePoint{Elapsed: c.now().Sub(r.startedAt).Seconds(), LeakRate: v}
	r.series = append(r.series, p)
	if len(r.series) == 1 || v > r.max {
		r.max = v
	}
	auto := r.auto.Observe(p)
	c.obs.SampleRecorded(v)
	c.readings.Publish(types.LiveReading{
		SamplePoint: p,
		Max:         r.max,
		AboveLimit:  c.cfg.LeakLimit > 0 && v >= c.cfg.LeakLimit,
		AutoStop:    r.auto.State(),
	})
	return auto, nil
}

func (c *Controller) abort(cause error) {
	c.mu.Lock()
	if c.phase != types.PhaseRunning {
		c.mu.Unlock()
		return
	}
	c.phase = types.PhaseIdle
	c.run = nil
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	c.hw.Release(types.LeakDetector)
	c.obs.DeviceFault(types.LeakDetector)
	c.log.Error("measurement aborted", "error", cause)
	c.events.Publish(newEvent(types.EventFault, "measurement aborted: "+cause.Error(), nil))
}

// Stop ends the run, stops and vents the leak detector and persists the
// measurement with its specimen.
func (c *Controller) Stop(ctx context.Context) (*types.Measurement, error) {
	return c.stop(ctx, false)
}

func (c *Controller) stop(ctx context.Context, auto bool) (*types.Measurement, error) {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.phase != types.PhaseRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no measurement running", types.ErrInvalidState)
	}
	c.phase = types.PhaseStopping
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if ld, ok := c.hw.LeakDetector(); ok {
		if err := ld.StopAndVent(); err != nil {
			c.obs.DeviceFault(types.LeakDetector)
			c.log.Error("stop and vent failed", "error", err)
		}
	} else {
		c.log.Warn("leak detector not connected, vent skipped")
	}

	c.mu.Lock()
	rec := c.finish(auto)
	c.mu.Unlock()

	kind := types.EventStopped
	if auto {
		kind = types.EventAutoStopped
	}
	c.events.Publish(newEvent(kind, "", &rec.m))
	return c.persist(ctx, rec)
}

// finish derives the record of the run. Called with mu held.
func (c *Controller) finish(auto bool) *record {
	r := c.run
	c.run = nil
	live := c.live()

	m := types.Measurement{
		SessionID:           c.sessionID,
		SerialNumber:        c.serial + 1,
		ElapsedSeconds:      math.Round(c.now().Sub(r.startedAt).Seconds()*10) / 10,
		MaxLeakRate:         r.max,
		AverageTemperature:  mean(r.temps),
		AutoStop:            auto,
		HeliumPressure:      live.HeliumSupplyPressure,
		HeliumConcentration: live.HeliumConcentration,
		MassFlowSccm:        live.MassFlowSccm,
		Active:              true,
		CreatedAt:           c.now(),
	}
	if n := len(r.series); n > 0 {
		m.LeakRate = r.series[n-1].LeakRate
	}
	return &record{m: m, s: types.SpecimenFromSeries(r.series)}
}

// persist writes rec. Called with op held.
func (c *Controller) persist(ctx context.Context, rec *record) (*types.Measurement, error) {
	err := c.sink.SaveMeasurement(context.WithoutCancel(ctx), &rec.m, &rec.s)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = types.PhaseIdle
	if err != nil {
		c.pending = rec
		c.log.Error("saving measurement failed, result kept", "serial", rec.m.SerialNumber, "error", err)
		c.events.Publish(newEvent(types.EventFault, "saving measurement failed: "+err.Error(), nil))
		return nil, fmt.Errorf("%w: %v", types.ErrPersistenceFailure, err)
	}
	c.pending = nil
	c.serial = rec.m.SerialNumber
	c.obs.MeasurementSaved()
	c.log.Info("measurement saved",
		"serial", rec.m.SerialNumber,
		"panel", rec.m.PanelNo,
		"location", rec.m.LocationNo,
		"leak_rate", rec.m.LeakRate,
		"samples", len(rec.s.X))
	m := rec.m
	c.events.Publish(newEvent(types.EventSaved, "", &m))
	return &m, nil
}

// SavePending retries persisting a result whose save failed.
func (c *Controller) SavePending(ctx context.Context) (*types.Measurement, error) {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	rec := c.pending
	c.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: nothing to save", types.ErrInvalidState)
	}
	return c.persist(ctx, rec)
}

// DeleteLast soft-deletes the most recent active measurement of the
// session. It leaves a running measurement untouched.
func (c *Controller) DeleteLast(ctx context.Context) (*types.Measurement, error) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()

	m, err := c.sink.SoftDeleteLast(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistenceFailure, err)
	}
	if m != nil {
		c.log.Info("measurement deleted", "serial", m.SerialNumber, "panel", m.PanelNo, "location", m.LocationNo)
		c.events.Publish(newEvent(types.EventDeleted, "", m))
	}
	return m, nil
}

// RecordTemperature adds a room temperature sample to the running
// measurement.
func (c *Controller) RecordTemperature(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		c.run.temps = append(c.run.temps, t)
	}
}

func (c *Controller) InhibitStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inhibited = true
}

func (c *Controller) AllowStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inhibited = false
}

func (c *Controller) StartEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inhibited
}

func (c *Controller) ArmAutoStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != types.PhaseRunning || c.run == nil {
		return fmt.Errorf("%w: no measurement running", types.ErrInvalidState)
	}
	var last *types.SamplePoint
	if n := len(c.run.series); n > 0 {
		p := c.run.series[n-1]
		last = &p
	}
	c.run.auto.Arm(last)
	return nil
}

func (c *Controller) DisarmAutoStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		c.run.auto.Disarm()
	}
}

// WhileIdle runs fn with operator commands held off. It fails with
// types.ErrInvalidState when a measurement is in progress.
func (c *Controller) WhileIdle(fn func() error) error {
	c.op.Lock()
	defer c.op.Unlock()
	if p := c.Phase(); p != types.PhaseIdle {
		return fmt.Errorf("%w: measurement is %s", types.ErrInvalidState, p)
	}
	return fn()
}

func (c *Controller) ResetBreaker() { c.breaker.Reset() }

func (c *Controller) Phase() types.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Running() bool { return c.Phase() == types.PhaseRunning }

func (c *Controller) Snapshot() ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ControllerSnapshot{
		Phase:        c.phase,
		SessionID:    c.sessionID,
		LastSerial:   c.serial,
		AutoStop:     types.AutoStopOff,
		Pending:      c.pending != nil,
		StartEnabled: !c.inhibited,
		BreakerOpen:  c.breaker.Open(),
	}
	if r := c.run; r != nil {
		s.Samples = len(r.series)
		s.Elapsed = c.now().Sub(r.startedAt).Seconds()
		s.Max = r.max
		s.AutoStop = r.auto.State()
		if n := len(r.series); n > 0 {
			s.LeakRate = r.series[n-1].LeakRate
		}
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
