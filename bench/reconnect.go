package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leakbench/devices"
	"leakbench/types"
)

type ReconnectConfig struct {
	// ReadTimeout is the fixed profile timeout for the leak detector and
	// flow controller links.
	ReadTimeout  time.Duration
	ReadSettle   time.Duration
	RelaySettle  time.Duration
	AnalyzerPoll time.Duration
}

// ReconnectManager owns the live driver handles. It only ever opens a
// device that has no live link, so rescanning is idempotent for the
// lifetime of the process unless a link was released.
type ReconnectManager struct {
	cfg  ReconnectConfig
	reg  *Registry
	mgr  *devices.Manager
	list devices.PortLister
	log  *slog.Logger

	mu       sync.Mutex
	ld       *devices.LeakDetector
	mfc      *devices.MassFlow
	analyzer *devices.Analyzer
	relay    *devices.RelaySwitch
	seq      *devices.RelaySequencer
	gauge    PressureGauge
}

func NewReconnectManager(cfg ReconnectConfig, reg *Registry, mgr *devices.Manager, list devices.PortLister, log *slog.Logger) *ReconnectManager {
	if cfg.AnalyzerPoll <= 0 {
		cfg.AnalyzerPoll = 300 * time.Millisecond
	}
	return &ReconnectManager{cfg: cfg, reg: reg, mgr: mgr, list: list, log: log.With("component", "reconnect")}
}

// Rescan lists the ports present and reconnects against them.
func (r *ReconnectManager) Rescan(ctx context.Context) error {
	ports, err := r.list()
	if err != nil {
		return fmt.Errorf("%w: listing ports: %v", types.ErrPortUnavailable, err)
	}
	return r.Reconnect(ctx, devices.PortNames(ports))
}

// Reconnect marks devices whose configured port is present as available
// and opens the leak detector and flow controller when they have no live
// link yet. An open failure is logged and leaves the device unavailable.
func (r *ReconnectManager) Reconnect(ctx context.Context, discovered []string) error {
	if len(discovered) == 0 {
		r.log.Error("no serial ports found")
		return types.ErrHardwareNotFound
	}
	present := make(map[string]bool, len(discovered))
	for _, p := range discovered {
		present[p] = true
	}

	for _, role := range types.Roles() {
		cfg := r.reg.Get(role)
		r.reg.MarkAvailable(role, cfg.Port != "" && present[cfg.Port])
	}

	for _, role := range []types.Role{types.LeakDetector, types.MassFlowController} {
		if !r.reg.Get(role).IsAvailable || r.connected(role) {
			continue
		}
		if err := r.Connect(role); err != nil {
			r.log.Warn("open failed", "device", role.String(), "error", err)
			r.reg.MarkAvailable(role, false)
		}
	}

	return r.reg.Persist(ctx)
}

// Connect opens role with its stored line settings. A device that already
// has a live link is left alone.
func (r *ReconnectManager) Connect(role types.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectedLocked(role) {
		return nil
	}

	cfg := r.reg.Get(role)
	settings := cfg.SerialSettings
	if role == types.LeakDetector || role == types.MassFlowController {
		settings.Timeout = r.cfg.ReadTimeout
	}
	link, err := r.mgr.Open(role, cfg.Port, settings)
	if err != nil {
		return err
	}
	switch role {
	case types.LeakDetector:
		r.ld = devices.NewLeakDetector(link, r.cfg.ReadSettle, r.cfg.ReadTimeout)
	case types.MassFlowController:
		r.mfc = devices.NewMassFlow(link, r.cfg.ReadTimeout)
	case types.HeliumAnalyzer:
		r.analyzer = devices.NewAnalyzer(link, r.cfg.AnalyzerPoll)
	case types.RelaySwitch:
		r.relay = devices.NewRelaySwitch(link, settings.Timeout)
		r.seq = devices.NewRelaySequencer(r.relay, r.cfg.RelaySettle, r.log)
	}
	r.log.Info("device connected", "device", role.String(), "port", cfg.Port)
	return nil
}

func (r *ReconnectManager) connected(role types.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked(role)
}

func (r *ReconnectManager) connectedLocked(role types.Role) bool {
	if l := r.linkLocked(role); l != nil {
		return !l.Closed()
	}
	return false
}

func (r *ReconnectManager) linkLocked(role types.Role) *devices.Link {
	switch role {
	case types.LeakDetector:
		if r.ld != nil {
			return r.ld.Link()
		}
	case types.MassFlowController:
		if r.mfc != nil {
			return r.mfc.Link()
		}
	case types.HeliumAnalyzer:
		if r.analyzer != nil {
			return r.analyzer.Link()
		}
	case types.RelaySwitch:
		if r.relay != nil {
			return r.relay.Link()
		}
	}
	return nil
}

// Release closes the link of role so the next rescan reopens it.
func (r *ReconnectManager) Release(role types.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.linkLocked(role); l != nil {
		_ = l.Close()
	}
	switch role {
	case types.LeakDetector:
		r.ld = nil
	case types.MassFlowController:
		r.mfc = nil
	case types.HeliumAnalyzer:
		r.analyzer = nil
	case types.RelaySwitch:
		r.relay, r.seq = nil, nil
	}
}

// AttachGauge installs the pressure gauge reader.
func (r *ReconnectManager) AttachGauge(g PressureGauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauge = g
}

func (r *ReconnectManager) LeakDetector() (LeakDetector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedLocked(types.LeakDetector) {
		return nil, false
	}
	return r.ld, true
}

func (r *ReconnectManager) MassFlow() (MassFlow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedLocked(types.MassFlowController) {
		return nil, false
	}
	return r.mfc, true
}

func (r *ReconnectManager) Analyzer() (Analyzer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedLocked(types.HeliumAnalyzer) {
		return nil, false
	}
	return r.analyzer, true
}

func (r *ReconnectManager) Gauge() (PressureGauge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauge, r.gauge != nil
}

func (r *ReconnectManager) Relay() (PowerSwitch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedLocked(types.RelaySwitch) {
		return nil, false
	}
	return r.seq, true
}

// RelayStatus reads the channel states from the relay board.
func (r *ReconnectManager) RelayStatus() (map[devices.RelayLoad]bool, error) {
	r.mu.Lock()
	relay := r.relay
	ok := r.connectedLocked(types.RelaySwitch)
	r.mu.Unlock()
	if !ok {
		return nil, types.WrapDevice(types.RelaySwitch, "status", types.ErrPortUnavailable)
	}
	return relay.Status()
}

// CloseDevices closes the leak detector, flow controller and analyzer
// links. The relay stays open for the power-off sequence.
func (r *ReconnectManager) CloseDevices() error {
	var errs []error
	for _, role := range []types.Role{types.LeakDetector, types.MassFlowController, types.HeliumAnalyzer} {
		r.mu.Lock()
		l := r.linkLocked(role)
		r.mu.Unlock()
		if l != nil {
			if err := l.Close(); err != nil {
				errs = append(errs, types.WrapDevice(role, "close", err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *ReconnectManager) CloseRelay() error {
	r.mu.Lock()
	l := r.linkLocked(types.RelaySwitch)
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	return types.WrapDevice(types.RelaySwitch, "close", l.Close())
}
