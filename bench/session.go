package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"leakbench/types"
	"leakbench/utils"
)

type SessionConfig struct {
	Mode          string
	Type          string
	PowerOnAtOpen bool
}

// SensorSeed is implemented by sensor logs that can report the last stored
// readings.
type SensorSeed interface {
	LatestSensors(ctx context.Context) (types.LiveStatus, error)
}

type SessionDeps struct {
	Store      SessionStore
	Results    ResultStore
	Sensors    SensorLog
	Registry   *Registry
	Hardware   Hardware
	Controller *Controller
	Supervisor *Supervisor
	Calibrator *Calibrator
	Events     *Bus[types.Event]
	Station    utils.Station
}

// StatusView is the combined state shown to the operator.
type StatusView struct {
	Live       types.LiveStatus     `json:"live"`
	Controller ControllerSnapshot   `json:"measurement"`
	Devices    []types.DeviceConfig `json:"devices"`
}

// Session ties the components together for one operator session: it owns
// the supervisor goroutine and the shutdown order.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps
	log  *slog.Logger

	mu     sync.Mutex
	id     uint
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(cfg SessionConfig, deps SessionDeps, log *slog.Logger) *Session {
	if deps.Events == nil {
		deps.Events = NewBus[types.Event]()
	}
	return &Session{cfg: cfg, deps: deps, log: log.With("component", "session")}
}

func (s *Session) ID() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Open records the session, connects the bench, optionally powers it on
// and starts the sensor supervisor.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("%w: session already open", types.ErrInvalidState)
	}

	id, err := s.deps.Store.CreateSession(ctx, s.cfg.Mode, s.cfg.Type, s.deps.Station)
	if err != nil {
		return fmt.Errorf("%w: creating session: %v", types.ErrPersistenceFailure, err)
	}
	if err := s.deps.Controller.SetSession(ctx, id); err != nil {
		return err
	}
	s.deps.Supervisor.SetSession(id)
	s.id = id
	s.log.Info("session opened", "id", id, "mode", s.cfg.Mode, "type", s.cfg.Type, "host", s.deps.Station.Hostname)

	s.connect(ctx)
	if s.cfg.PowerOnAtOpen {
		if relay, ok := s.deps.Hardware.Relay(); ok {
			if err := relay.PowerOn(); err != nil {
				s.log.Error("bench power-on failed", "error", err)
				s.deps.Events.Publish(newEvent(types.EventFault, "power-on failed: "+err.Error(), nil))
			} else {
				s.connect(ctx)
			}
		}
	}

	if seed, ok := s.deps.Sensors.(SensorSeed); ok {
		if st, err := seed.LatestSensors(ctx); err == nil {
			s.deps.Supervisor.Seed(st)
		}
	}
	s.deps.Controller.SetLiveSource(s.deps.Supervisor.Latest)
	if _, ok := s.deps.Hardware.Gauge(); !ok {
		s.log.Warn("no pressure gauge attached, room temperature and run average temperature are not recorded")
	}

	sctx, cancel := context.WithCancel(context.Background())
	s.cancel, s.done = cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.deps.Supervisor.Run(sctx)
	}(s.done)
	return nil
}

// connect rescans and opens the relay and analyzer when their ports are
// present. Failures are reported, not returned: the bench stays usable
// with the devices that answered.
func (s *Session) connect(ctx context.Context) {
	if err := s.deps.Hardware.Rescan(ctx); err != nil {
		s.log.Error("rescan failed", "error", err)
		s.deps.Events.Publish(newEvent(types.EventFault, err.Error(), nil))
	}
	s.openLinks(ctx)
}

// openLinks opens the relay and analyzer links of available devices. A
// device whose link does not open is marked unavailable.
func (s *Session) openLinks(ctx context.Context) {
	for _, role := range []types.Role{types.RelaySwitch, types.HeliumAnalyzer} {
		if !s.deps.Registry.Get(role).IsAvailable {
			continue
		}
		if err := s.deps.Hardware.Connect(role); err != nil {
			s.log.Warn("open failed", "device", role.String(), "error", err)
			s.deps.Registry.MarkAvailable(role, false)
		}
	}
	if err := s.deps.Registry.Persist(ctx); err != nil {
		s.log.Error("saving devices failed", "error", err)
	}
}

// Close stops an active run, joins the supervisor, closes the device links
// and only then powers the bench off through the relay.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.deps.Controller.Running() {
		if _, err := s.deps.Controller.Stop(ctx); err != nil && !errors.Is(err, types.ErrPersistenceFailure) {
			errs = append(errs, err)
		}
	}
	// one last attempt for a finished run whose save failed
	if s.deps.Controller.Snapshot().Pending {
		if m, err := s.deps.Controller.SavePending(ctx); err != nil {
			s.log.Error("unsaved measurement lost at close", "error", err)
			errs = append(errs, err)
		} else {
			s.log.Info("pending measurement saved at close", "serial", m.SerialNumber)
		}
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel, s.done = nil, nil
	}
	if err := s.deps.Hardware.CloseDevices(); err != nil {
		errs = append(errs, err)
	}
	if relay, ok := s.deps.Hardware.Relay(); ok {
		if err := relay.PowerOff(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deps.Hardware.CloseRelay(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("session closed", "id", s.id)
	return errors.Join(errs...)
}

// Reconnect rescans the ports and closes the circuit breaker.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.deps.Hardware.Rescan(ctx); err != nil {
		return err
	}
	s.openLinks(ctx)
	s.deps.Controller.ResetBreaker()
	s.deps.Events.Publish(newEvent(types.EventReconnected, "", nil))
	return nil
}

// Calibrate runs the calibration sequence while no measurement runs.
func (s *Session) Calibrate(ctx context.Context) (CalibrationResult, error) {
	var res CalibrationResult
	err := s.deps.Controller.WhileIdle(func() error {
		ld, ok := s.deps.Hardware.LeakDetector()
		if !ok {
			if err := s.deps.Hardware.Rescan(ctx); err != nil {
				return err
			}
			if ld, ok = s.deps.Hardware.LeakDetector(); !ok {
				return types.WrapDevice(types.LeakDetector, "calibrate", types.ErrHardwareNotFound)
			}
		}
		var err error
		res, err = s.deps.Calibrator.Run(ctx, ld)
		return err
	})
	if err != nil {
		return res, err
	}
	s.deps.Events.Publish(newEvent(types.EventCalibrated, fmt.Sprintf("calibration factor %g", res.Factor), nil))
	return res, nil
}

func (s *Session) Start(ctx context.Context) error { return s.deps.Controller.Start(ctx) }

func (s *Session) Stop(ctx context.Context) (*types.Measurement, error) {
	return s.deps.Controller.Stop(ctx)
}

func (s *Session) ArmAutoStop() error { return s.deps.Controller.ArmAutoStop() }

func (s *Session) DisarmAutoStop() { s.deps.Controller.DisarmAutoStop() }

func (s *Session) DeleteLast(ctx context.Context) (*types.Measurement, error) {
	return s.deps.Controller.DeleteLast(ctx)
}

func (s *Session) SavePending(ctx context.Context) (*types.Measurement, error) {
	return s.deps.Controller.SavePending(ctx)
}

func (s *Session) Status() StatusView {
	return StatusView{
		Live:       s.deps.Supervisor.Latest(),
		Controller: s.deps.Controller.Snapshot(),
		Devices:    s.deps.Registry.All(),
	}
}

func (s *Session) Devices() []types.DeviceConfig { return s.deps.Registry.All() }

// UpdateDevice applies an operator edit and reopens the device with the
// new settings.
func (s *Session) UpdateDevice(ctx context.Context, cfg types.DeviceConfig) error {
	if cfg.Role == types.LeakDetector && s.deps.Controller.Running() {
		return fmt.Errorf("%w: measurement in progress", types.ErrInvalidState)
	}
	if err := s.deps.Registry.Update(cfg); err != nil {
		return err
	}
	if err := s.deps.Registry.Persist(ctx); err != nil {
		return err
	}
	s.deps.Hardware.Release(cfg.Role)
	s.log.Info("device updated", "device", cfg.Role.String(), "port", cfg.Port)
	if err := s.Reconnect(ctx); err != nil && !errors.Is(err, types.ErrHardwareNotFound) {
		return err
	}
	return nil
}

func (s *Session) Measurements(ctx context.Context) ([]types.Measurement, error) {
	return s.deps.Results.ListMeasurements(ctx, s.ID())
}

func (s *Session) Specimen(ctx context.Context, measurementID uint) (*types.Specimen, error) {
	return s.deps.Results.Specimen(ctx, measurementID)
}

func (s *Session) UpdatePlacement(ctx context.Context, id uint, panel, location int) error {
	if panel < 1 || location < 1 {
		return fmt.Errorf("%w: panel and location start at 1", types.ErrInvalidState)
	}
	return s.deps.Results.UpdatePlacement(ctx, id, panel, location)
}

func (s *Session) Events() *Bus[types.Event] { return s.deps.Events }

func (s *Session) Live() *Bus[types.LiveStatus] { return s.deps.Supervisor.Status() }

func (s *Session) Readings() *Bus[types.LiveReading] { return s.deps.Controller.Readings() }
