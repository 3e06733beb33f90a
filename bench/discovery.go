package bench

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"leakbench/config"
	"leakbench/devices"
	"leakbench/types"
)

type DiscoveryConfig struct {
	ProbeTimeout time.Duration
	PowerOn      bool
	RelaySettle  time.Duration
}

// DiscoveryReport is what a discovery run found and assigned.
type DiscoveryReport struct {
	Ports    []devices.PortInfo    `json:"ports"`
	Assigned map[types.Role]string `json:"assigned"`
	// Ignored lists ports whose vendor ID matched a role that was already
	// assigned to another port.
	Ignored []string `json:"ignored,omitempty"`
	Unknown []string `json:"unknown,omitempty"`
}

// Discovery assigns ports to roles from their USB vendor IDs. FTDI ports
// carry both the relay board and the mass-flow controller and are told
// apart by probing.
type Discovery struct {
	cfg  DiscoveryConfig
	reg  *Registry
	mgr  *devices.Manager
	list devices.PortLister
	log  *slog.Logger
}

func NewDiscovery(cfg DiscoveryConfig, reg *Registry, mgr *devices.Manager, list devices.PortLister, log *slog.Logger) *Discovery {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	return &Discovery{cfg: cfg, reg: reg, mgr: mgr, list: list, log: log.With("component", "discovery")}
}

func (d *Discovery) Run(ctx context.Context) (DiscoveryReport, error) {
	ports, err := d.list()
	if err != nil {
		return DiscoveryReport{}, fmt.Errorf("%w: listing ports: %v", types.ErrPortUnavailable, err)
	}
	if len(ports) == 0 {
		return DiscoveryReport{}, types.ErrHardwareNotFound
	}

	report := DiscoveryReport{Assigned: make(map[types.Role]string)}

	relays := d.probeAll(ctx, ftdiPorts(ports, ""), d.probeRelay)
	if len(relays) > 0 {
		report.Assigned[types.RelaySwitch] = relays[0]
		report.Ignored = append(report.Ignored, relays[1:]...)
		d.log.Info("relay switch found", "port", relays[0])

		if d.cfg.PowerOn {
			if err := d.powerOn(relays[0]); err != nil {
				d.log.Error("power-on failed", "error", err)
			} else if relisted, err := d.list(); err == nil {
				ports = relisted
			}
		}
	} else {
		d.log.Warn("no relay switch answered")
	}
	report.Ports = ports

	byVID := func(vid uint16, role types.Role) {
		var matched []string
		for _, p := range ports {
			if p.VID == vid {
				matched = append(matched, p.Name)
			}
		}
		if len(matched) == 0 {
			return
		}
		report.Assigned[role] = matched[0]
		if len(matched) > 1 {
			d.log.Warn("several ports share a vendor ID, using the first",
				"device", role.String(), "port", matched[0], "ignored", matched[1:])
			report.Ignored = append(report.Ignored, matched[1:]...)
		}
	}
	byVID(config.VendorInficon, types.LeakDetector)
	byVID(config.VendorHeliumAnalyzer, types.HeliumAnalyzer)

	mfcs := d.probeAll(ctx, ftdiPorts(ports, report.Assigned[types.RelaySwitch]), d.probeMassFlow)
	if len(mfcs) > 0 {
		report.Assigned[types.MassFlowController] = mfcs[0]
		report.Ignored = append(report.Ignored, mfcs[1:]...)
	}

	taken := make(map[string]bool)
	for _, p := range report.Assigned {
		taken[p] = true
	}
	for _, p := range report.Ignored {
		taken[p] = true
	}
	for _, p := range ports {
		if !taken[p.Name] {
			report.Unknown = append(report.Unknown, p.Name)
		}
	}

	// A role not found this time loses a port now held by another role.
	assign := make(map[types.Role]string, len(report.Assigned))
	held := make(map[string]bool, len(report.Assigned))
	for role, p := range report.Assigned {
		assign[role] = p
		held[p] = true
	}
	for _, role := range types.Roles() {
		if _, found := report.Assigned[role]; found {
			continue
		}
		if cur := d.reg.Get(role).Port; cur != "" && held[cur] {
			assign[role] = ""
			d.reg.MarkAvailable(role, false)
		}
	}
	if err := d.reg.Assign(assign); err != nil {
		return report, err
	}
	for role := range report.Assigned {
		d.reg.MarkAvailable(role, true)
	}
	if err := d.reg.Persist(ctx); err != nil {
		return report, err
	}
	for role, p := range report.Assigned {
		d.log.Info("device assigned", "device", role.String(), "port", p)
	}
	return report, nil
}

func ftdiPorts(ports []devices.PortInfo, exclude string) []string {
	var out []string
	for _, p := range ports {
		if p.VID == config.VendorFTDI && p.Name != exclude {
			out = append(out, p.Name)
		}
	}
	return out
}

type probeResult struct {
	port string
	ok   bool
}

// probeAll runs probe on every port concurrently and returns the ports that
// answered, sorted by name.
func (d *Discovery) probeAll(ctx context.Context, ports []string, probe func(port string) bool) []string {
	if len(ports) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 4*d.cfg.ProbeTimeout)
	defer cancel()

	results := make(chan probeResult, len(ports))
	var wg sync.WaitGroup
	for _, name := range ports {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			results <- probeResult{port: name, ok: probe(name)}
		}(name)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var found []string
	for {
		select {
		case r, ok := <-results:
			if !ok {
				sort.Strings(found)
				return found
			}
			if r.ok {
				found = append(found, r.port)
			}
		case <-ctx.Done():
			d.log.Warn("probe timed out", "error", ctx.Err())
			sort.Strings(found)
			return found
		}
	}
}

func (d *Discovery) probeSettings(role types.Role) types.SerialSettings {
	s := d.reg.Get(role).SerialSettings
	s.Timeout = d.cfg.ProbeTimeout
	return s
}

func (d *Discovery) probeRelay(port string) bool {
	link, err := d.mgr.Open(types.RelaySwitch, port, d.probeSettings(types.RelaySwitch))
	if err != nil {
		d.log.Debug("relay probe open failed", "port", port, "error", err)
		return false
	}
	defer link.Close()
	_, err = devices.NewRelaySwitch(link, d.cfg.ProbeTimeout).Status()
	return err == nil
}

func (d *Discovery) probeMassFlow(port string) bool {
	link, err := d.mgr.Open(types.MassFlowController, port, d.probeSettings(types.MassFlowController))
	if err != nil {
		d.log.Debug("mass flow probe open failed", "port", port, "error", err)
		return false
	}
	defer link.Close()
	ok, err := devices.NewMassFlow(link, d.cfg.ProbeTimeout).Identify()
	return err == nil && ok
}

func (d *Discovery) powerOn(port string) error {
	link, err := d.mgr.Open(types.RelaySwitch, port, d.reg.Get(types.RelaySwitch).SerialSettings)
	if err != nil {
		return err
	}
	defer link.Close()
	seq := devices.NewRelaySequencer(devices.NewRelaySwitch(link, d.cfg.ProbeTimeout), d.cfg.RelaySettle, d.log)
	return seq.PowerOn(devices.PowerOnOrder()...)
}
