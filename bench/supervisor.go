package bench

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leakbench/devices"
	"leakbench/types"
)

type SupervisorConfig struct {
	PollInterval      time.Duration
	ThermalLimitC     float64
	HeliumMinPercent  float64
	SetpointStepSccm  float64
	SetpointSettle    time.Duration
	MinSupplyPressure float64
}

// SensorSource is the part of Hardware the supervisor polls.
type SensorSource interface {
	MassFlow() (MassFlow, bool)
	Analyzer() (Analyzer, bool)
	Gauge() (PressureGauge, bool)
	Relay() (PowerSwitch, bool)
}

// StartGate is the part of the controller the supervisor drives.
type StartGate interface {
	InhibitStart()
	AllowStart()
	StartEnabled() bool
	Running() bool
	RecordTemperature(t float64)
}

const fallbackSetpointSccm = 71.5

// Supervisor polls the bench sensors, enforces the thermal interlock and
// the helium concentration adjustment, and publishes a LiveStatus per
// cycle.
type Supervisor struct {
	cfg     SupervisorConfig
	hw      SensorSource
	reg     *Registry
	gate    StartGate
	sensors SensorLog
	obs     Observer
	events  *Bus[types.Event]
	status  *Bus[types.LiveStatus]
	log     *slog.Logger
	now     func() time.Time

	// Owned by the polling goroutine.
	sessionID  uint
	latched    bool
	powerOffOK bool
	warned     bool
	holdUntil  time.Time

	mu     sync.RWMutex
	latest types.LiveStatus
}

func NewSupervisor(cfg SupervisorConfig, hw SensorSource, reg *Registry, gate StartGate, sensors SensorLog, events *Bus[types.Event], obs Observer, log *slog.Logger) *Supervisor {
	if obs == nil {
		obs = nopObserver{}
	}
	if events == nil {
		events = NewBus[types.Event]()
	}
	return &Supervisor{
		cfg:     cfg,
		hw:      hw,
		reg:     reg,
		gate:    gate,
		sensors: sensors,
		obs:     obs,
		events:  events,
		status:  NewBus[types.LiveStatus](),
		log:     log.With("component", "supervisor"),
		now:     time.Now,
		latest:  types.LiveStatus{StartEnabled: true},
	}
}

// Status is the stream of LiveStatus snapshots.
func (s *Supervisor) Status() *Bus[types.LiveStatus] { return s.status }

// SetSession tags the sensor rows written from now on. Call it before Run.
func (s *Supervisor) SetSession(id uint) { s.sessionID = id }

// Seed sets the status shown before the first cycle completes.
func (s *Supervisor) Seed(st types.LiveStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.StartEnabled = s.latest.StartEnabled
	s.latest = st
}

func (s *Supervisor) Latest() types.LiveStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Run polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info("supervisor started", "interval", s.cfg.PollInterval)
	defer s.log.Info("supervisor stopped")

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		s.Cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Cycle runs one poll. It must not run concurrently with Run.
func (s *Supervisor) Cycle(ctx context.Context) {
	st := s.Latest()

	if mfc, ok := s.hw.MassFlow(); ok {
		if status, err := mfc.ReadStatus(); err != nil {
			s.obs.DeviceFault(types.MassFlowController)
			s.log.Warn("mass flow read failed", "error", err)
		} else {
			st.MassFlowSccm = status.MassFlow
			st.MassFlowTemperature = status.Temperature
			s.record(ctx, "mass flow", func() error { return s.sensors.RecordMassFlow(ctx, s.sessionID, status) })
			s.thermal(status.Temperature)
		}
	}
	st.ThermalFault = s.latched

	if g, ok := s.hw.Gauge(); ok {
		if r, err := g.Read(); err != nil {
			s.log.Warn("pressure gauge read failed", "error", err)
		} else {
			st.HeliumSupplyPressure = r.Pressure
			st.RoomTemperature = r.Temperature
			st.SupplyPressureLow = r.Pressure <= s.cfg.MinSupplyPressure
			if s.gate.Running() {
				s.gate.RecordTemperature(r.Temperature)
			}
			s.record(ctx, "pressure gauge", func() error { return s.sensors.RecordPressureGauge(ctx, s.sessionID, r) })
		}
	}

	if a, ok := s.hw.Analyzer(); ok {
		if r, err := a.ReadLatest(); err != nil {
			s.obs.DeviceFault(types.HeliumAnalyzer)
			s.log.Warn("helium analyzer read failed", "error", err)
		} else {
			st.HeliumConcentration = r.Helium
			s.record(ctx, "helium", func() error { return s.sensors.RecordHelium(ctx, s.sessionID, r) })
			s.helium(ctx, r.Helium)
		}
	}
	st.LowHelium = s.warned

	st.StartEnabled = s.gate.StartEnabled()
	st.UpdatedAt = s.now()
	s.mu.Lock()
	s.latest = st
	s.mu.Unlock()
	s.status.Publish(st)
	s.obs.LiveStatus(st)
}

func (s *Supervisor) record(ctx context.Context, what string, fn func() error) {
	if s.sensors == nil || ctx.Err() != nil {
		return
	}
	if err := fn(); err != nil {
		s.log.Warn("writing sensor row failed", "sensor", what, "error", err)
	}
}

// thermal applies the interlock latch. Start is inhibited whether or not
// the relay can de-energize the loads.
func (s *Supervisor) thermal(temp float64) {
	if temp > s.cfg.ThermalLimitC {
		if !s.latched {
			s.latched = true
			s.gate.InhibitStart()
			s.obs.ThermalTrip()
			s.log.Error("mass flow controller over temperature", "temperature", temp, "limit", s.cfg.ThermalLimitC)
			s.events.Publish(newEvent(types.EventThermalFault,
				fmt.Sprintf("mass flow controller at %.1f °C, start disabled", temp), nil))
			s.powerOff()
		} else if !s.powerOffOK {
			s.powerOff()
		}
		return
	}
	if s.latched {
		s.latched = false
		s.gate.AllowStart()
		s.log.Info("mass flow controller temperature back to normal", "temperature", temp)
		s.events.Publish(newEvent(types.EventThermalClear,
			fmt.Sprintf("mass flow controller at %.1f °C, start enabled", temp), nil))
	}
}

func (s *Supervisor) powerOff() {
	relay, ok := s.hw.Relay()
	if !ok {
		s.powerOffOK = false
		s.log.Warn("relay switch unavailable, loads stay powered")
		return
	}
	if err := relay.PowerOff(devices.LoadMassFlow, devices.LoadSolenoidValve); err != nil {
		s.powerOffOK = false
		s.obs.DeviceFault(types.RelaySwitch)
		s.log.Error("interlock power-off failed", "error", err)
		return
	}
	s.powerOffOK = true
}

// helium raises the flow setpoint once per low-concentration episode and
// holds further changes until the new setpoint had time to act.
func (s *Supervisor) helium(ctx context.Context, percent float64) {
	if percent >= s.cfg.HeliumMinPercent {
		if s.warned {
			s.log.Info("helium concentration recovered", "helium", percent)
		}
		s.warned = false
		return
	}
	if s.warned || s.now().Before(s.holdUntil) {
		return
	}
	s.warned = true
	s.log.Warn("helium concentration below threshold", "helium", percent, "min", s.cfg.HeliumMinPercent)

	current := fallbackSetpointSccm
	if sp := s.reg.Get(types.MassFlowController).SccmSetpoint; sp != nil {
		current = *sp
	}
	next := current + s.cfg.SetpointStepSccm
	s.events.Publish(newEvent(types.EventLowHelium,
		fmt.Sprintf("helium at %.1f %%, raising flow to %.1f sccm", percent, next), nil))

	mfc, ok := s.hw.MassFlow()
	if !ok {
		s.log.Warn("mass flow controller unavailable, setpoint unchanged")
		return
	}
	if err := mfc.SetSetpoint(next); err != nil {
		s.obs.DeviceFault(types.MassFlowController)
		s.log.Error("setpoint not applied", "sccm", next, "error", err)
		return
	}
	s.holdUntil = s.now().Add(s.cfg.SetpointSettle)
	s.reg.SetSetpoint(types.MassFlowController, next)
	if err := s.reg.Persist(ctx); err != nil {
		s.log.Error("saving setpoint failed", "error", err)
	}
}
