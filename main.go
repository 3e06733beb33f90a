package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"leakbench/bench"
	"leakbench/config"
	"leakbench/devices"
	"leakbench/logging"
	"leakbench/metrics"
	"leakbench/storage"
	"leakbench/types"
	"leakbench/utils"
	"leakbench/web"
	"leakbench/wedge"
)

const version = "v0.3.0"

// app is what every subcommand needs: configuration, logger, the device
// registry over the database and the serial link manager.
type app struct {
	cfg  *config.Config
	hub  *logging.Hub
	log  *slog.Logger
	repo *storage.Repository
	reg  *bench.Registry
	mgr  *devices.Manager
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	hub := logging.NewHub()
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Hub: hub})

	repo, err := storage.Open(cfg.DB.Path, log)
	if err != nil {
		return nil, err
	}
	reg, err := bench.NewRegistry(ctx, repo)
	if err != nil {
		repo.Close()
		return nil, err
	}
	opener, err := devices.NewOpener(cfg.Serial.Backend)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return &app{cfg: cfg, hub: hub, log: log, repo: repo, reg: reg, mgr: devices.NewManager(opener, log)}, nil
}

func (a *app) close() {
	a.mgr.CloseAll()
	if err := a.repo.Close(); err != nil {
		a.log.Warn("closing database", "error", err)
	}
}

func (a *app) hardware() *bench.ReconnectManager {
	return bench.NewReconnectManager(bench.ReconnectConfig{
		ReadTimeout: a.cfg.Serial.ReadTimeout,
		ReadSettle:  a.cfg.Measurement.ReadSettle,
		RelaySettle: a.cfg.Relay.Settle,
	}, a.reg, a.mgr, devices.ListPorts, a.log)
}

func (a *app) retryPolicy() bench.RetryPolicy {
	return bench.RetryPolicy{
		Attempts:         a.cfg.Retry.Attempts,
		InitialBackoff:   a.cfg.Retry.InitialBackoff,
		MaxBackoff:       a.cfg.Retry.MaxBackoff,
		BreakerThreshold: a.cfg.Retry.BreakerThreshold,
	}
}

func (a *app) calibrator() *bench.Calibrator {
	return bench.NewCalibrator(a.cfg.Calibration.MinPowerOnMinutes, a.cfg.Calibration.Settle, a.log)
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	station := utils.LocalStation()
	a.log.Info("starting leakbench", "version", version, "station", station.String())

	hw := a.hardware()
	obs := metrics.New()
	events := bench.NewBus[types.Event]()

	ctrl := bench.NewController(bench.ControllerConfig{
		SampleInterval: cfg.Measurement.SampleInterval,
		LeakLimit:      cfg.Measurement.LeakLimit,
		AutoStopBand:   cfg.Measurement.AutoStopBand,
		AutoStopDwell:  cfg.Measurement.AutoStopDwell,
		Retry:          a.retryPolicy(),
	}, hw, a.repo, events, obs, a.log)

	sup := bench.NewSupervisor(bench.SupervisorConfig{
		PollInterval:      cfg.Supervisor.PollInterval,
		ThermalLimitC:     cfg.Supervisor.ThermalLimitC,
		HeliumMinPercent:  cfg.Supervisor.HeliumMinPercent,
		SetpointStepSccm:  cfg.Supervisor.SetpointStepSccm,
		SetpointSettle:    cfg.Supervisor.SetpointSettle,
		MinSupplyPressure: cfg.Supervisor.MinSupplyPressure,
	}, hw, a.reg, ctrl, a.repo, events, obs, a.log)

	session := bench.NewSession(bench.SessionConfig{
		Mode:          cfg.Session.Mode,
		Type:          cfg.Session.Type,
		PowerOnAtOpen: cfg.Relay.PowerOnAtOpen,
	}, bench.SessionDeps{
		Store:      a.repo,
		Results:    a.repo,
		Sensors:    a.repo,
		Registry:   a.reg,
		Hardware:   hw,
		Controller: ctrl,
		Supervisor: sup,
		Calibrator: a.calibrator(),
		Events:     events,
		Station:    station,
	}, a.log)

	if err := session.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := session.Close(context.Background()); err != nil {
			a.log.Error("closing session", "error", err)
		}
	}()

	if cfg.Wedge.Enabled {
		typist, err := wedge.NewTypist()
		if err != nil {
			a.log.Warn("keyboard wedge disabled", "error", err)
		} else {
			go wedge.New(typist, a.log).Run(ctx, events)
		}
	}

	return web.New(session, a.hub, obs.Handler(), a.log).Run(ctx, cfg.HTTP.Addr)
}

func discover(ctx context.Context, a *app, powerOn bool) error {
	d := bench.NewDiscovery(bench.DiscoveryConfig{
		ProbeTimeout: a.cfg.Serial.ReadTimeout,
		PowerOn:      powerOn,
		RelaySettle:  a.cfg.Relay.Settle,
	}, a.reg, a.mgr, devices.ListPorts, a.log)

	report, err := d.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ports found: %s\n", strings.Join(devices.PortNames(report.Ports), ", "))
	for _, role := range types.Roles() {
		cfg := a.reg.Get(role)
		fmt.Printf("  %-22s %-8s %s\n", role.String(), cfg.Port, utils.BoolToString(cfg.IsAvailable))
	}
	if len(report.Ignored) > 0 {
		fmt.Printf("ignored: %s\n", strings.Join(report.Ignored, ", "))
	}
	if len(report.Unknown) > 0 {
		fmt.Printf("unknown: %s\n", strings.Join(report.Unknown, ", "))
	}
	return nil
}

func relay(ctx context.Context, a *app, action string) error {
	hw := a.hardware()
	if err := hw.Rescan(ctx); err != nil && !errors.Is(err, types.ErrHardwareNotFound) {
		a.log.Warn("rescan failed", "error", err)
	}
	if err := hw.Connect(types.RelaySwitch); err != nil {
		return err
	}
	defer hw.CloseRelay()

	switch action {
	case "on":
		seq, _ := hw.Relay()
		return seq.PowerOn()
	case "off":
		seq, _ := hw.Relay()
		return seq.PowerOff()
	case "status":
		st, err := hw.RelayStatus()
		if err != nil {
			return err
		}
		loads := make([]devices.RelayLoad, 0, len(st))
		for l := range st {
			loads = append(loads, l)
		}
		sort.Slice(loads, func(i, j int) bool { return loads[i] < loads[j] })
		for _, l := range loads {
			state := "off"
			if st[l] {
				state = "on"
			}
			fmt.Printf("  %-26s %s\n", l.String(), state)
		}
		return nil
	default:
		return fmt.Errorf("unknown relay action %q, use on, off or status", action)
	}
}

func calibrate(ctx context.Context, a *app) error {
	hw := a.hardware()
	defer hw.CloseDevices()
	if err := hw.Rescan(ctx); err != nil {
		return err
	}
	ld, ok := hw.LeakDetector()
	if !ok {
		return types.WrapDevice(types.LeakDetector, "calibrate", types.ErrHardwareNotFound)
	}
	res, err := a.calibrator().Run(ctx, ld)
	if err != nil {
		return err
	}
	fmt.Printf("calibration factor %.4f (powered %d min)\n", res.Factor, res.PoweredMinutes)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:          "leakbench",
		Short:        "Helium leak test bench controller",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default ./leakbench.yaml)")

	// withApp runs fn with an app bound to a context cancelled on SIGINT/SIGTERM.
	withApp := func(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return fn(ctx, a, cmd, args)
		}
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a session and serve the operator API",
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			return serve(ctx, a)
		}),
	}

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Detect which serial port each device is on and store the result",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			powerOn, _ := cmd.Flags().GetBool("power-on")
			return discover(ctx, a, powerOn)
		}),
	}
	discoverCmd.Flags().Bool("power-on", true, "power the devices on through the relay before classifying ports")

	relayCmd := &cobra.Command{
		Use:       "relay on|off|status",
		Short:     "Drive the relay switch directly",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off", "status"},
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
			return relay(ctx, a, args[0])
		}),
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the leak detector internal calibration",
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			return calibrate(ctx, a)
		}),
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("leakbench %s\n", version)
		},
	}

	root.AddCommand(serveCmd, discoverCmd, relayCmd, calibrateCmd, configCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
