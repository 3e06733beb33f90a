// Package config holds the device wire constants and the runtime
// configuration of the bench, loaded with viper from defaults, an optional
// YAML file and LEAKBENCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Leak detector commands. All ASCII commands are CR terminated on the wire.
const (
	CmdReadLeakRate      = "*read?"
	CmdStart             = "*start"
	CmdStop              = "*stop"
	CmdVent              = "*vent"
	CmdPowerOnMinutes    = "*hour:pow?"
	CmdCalibrate         = "*cal"
	CmdCalibrationFactor = "*stat:calh 1?"
)

// Mass flow controller commands.
const (
	CmdMassFlowStatus   = "*@=A"
	CmdMassFlowIdentify = "*@=B"
	MassFlowSetpoint    = "*" // followed by the setpoint in device counts
	MassFlowIdentifyAck = "OK"

	// full scale of the controller: 500 sccm == 64000 counts
	MassFlowFullScaleSccm   = 500.0
	MassFlowFullScaleCounts = 64000.0
)

// Relay switch framing.
const (
	RelayFrameStart = 0x5B
	RelayFrameEnd   = 0x5D
	RelayCmdStatus  = 0x01
	RelayCmdSet     = 0x11
	RelayAckLen     = 5
	RelayChannelOn  = 0x01
)

// USB vendor IDs used by port discovery.
const (
	VendorInficon        = 0x04D8
	VendorHeliumAnalyzer = 0xA600
	VendorFTDI           = 0x0403
)

const CommandTerminator = '\r'

type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	DB          DBConfig          `mapstructure:"db" yaml:"db"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Serial      SerialConfig      `mapstructure:"serial" yaml:"serial"`
	Measurement MeasurementConfig `mapstructure:"measurement" yaml:"measurement"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor" yaml:"supervisor"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Relay       RelayConfig       `mapstructure:"relay" yaml:"relay"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Wedge       WedgeConfig       `mapstructure:"wedge" yaml:"wedge"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console | json
}

type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type SerialConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"` // bugst | jacobsa
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

type MeasurementConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	ReadSettle     time.Duration `mapstructure:"read_settle" yaml:"read_settle"`
	AutoStopDwell  time.Duration `mapstructure:"autostop_dwell" yaml:"autostop_dwell"`
	AutoStopBand   float64       `mapstructure:"autostop_band" yaml:"autostop_band"`
	LeakLimit      float64       `mapstructure:"leak_limit" yaml:"leak_limit"`
}

type RetryConfig struct {
	Attempts         int           `mapstructure:"attempts" yaml:"attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
}

type SupervisorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ThermalLimitC     float64       `mapstructure:"thermal_limit_c" yaml:"thermal_limit_c"`
	HeliumMinPercent  float64       `mapstructure:"helium_min_percent" yaml:"helium_min_percent"`
	SetpointStepSccm  float64       `mapstructure:"setpoint_step_sccm" yaml:"setpoint_step_sccm"`
	SetpointSettle    time.Duration `mapstructure:"setpoint_settle" yaml:"setpoint_settle"`
	MinSupplyPressure float64       `mapstructure:"min_supply_pressure_bar" yaml:"min_supply_pressure_bar"`
}

type CalibrationConfig struct {
	MinPowerOnMinutes int           `mapstructure:"min_power_on_minutes" yaml:"min_power_on_minutes"`
	Settle            time.Duration `mapstructure:"settle" yaml:"settle"`
}

type RelayConfig struct {
	PowerOnAtOpen bool          `mapstructure:"power_on_at_open" yaml:"power_on_at_open"`
	Settle        time.Duration `mapstructure:"settle" yaml:"settle"`
}

type SessionConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"` // PEM | PROFIL
	Type string `mapstructure:"type" yaml:"type"`
}

type WedgeConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("db.path", "leakbench.db")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("serial.backend", "bugst")
	v.SetDefault("serial.read_timeout", time.Second)

	v.SetDefault("measurement.sample_interval", 100*time.Millisecond)
	v.SetDefault("measurement.read_settle", 100*time.Millisecond)
	v.SetDefault("measurement.autostop_dwell", 90*time.Second)
	v.SetDefault("measurement.autostop_band", 5.0)
	v.SetDefault("measurement.leak_limit", 5e-3)

	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.initial_backoff", 50*time.Millisecond)
	v.SetDefault("retry.max_backoff", time.Second)
	v.SetDefault("retry.breaker_threshold", 3)

	v.SetDefault("supervisor.poll_interval", time.Second)
	v.SetDefault("supervisor.thermal_limit_c", 45.0)
	v.SetDefault("supervisor.helium_min_percent", 95.0)
	v.SetDefault("supervisor.setpoint_step_sccm", 1.0)
	v.SetDefault("supervisor.setpoint_settle", 60*time.Second)
	v.SetDefault("supervisor.min_supply_pressure_bar", 30.0)

	v.SetDefault("calibration.min_power_on_minutes", 21)
	v.SetDefault("calibration.settle", 40*time.Second)

	v.SetDefault("relay.power_on_at_open", true)
	v.SetDefault("relay.settle", 10*time.Second)

	v.SetDefault("session.mode", "PROFIL")
	v.SetDefault("session.type", "Quick Test")

	v.SetDefault("wedge.enabled", false)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

// Load reads the configuration. An empty path looks for leakbench.yaml in
// the working directory and in $HOME/.leakbench; a missing file is not an
// error unless the path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leakbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.leakbench")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEAKBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"serial.read_timeout":        c.Serial.ReadTimeout,
		"measurement.autostop_dwell": c.Measurement.AutoStopDwell,
		"retry.initial_backoff":      c.Retry.InitialBackoff,
		"retry.max_backoff":          c.Retry.MaxBackoff,
		"supervisor.poll_interval":   c.Supervisor.PollInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Measurement.SampleInterval < 0 {
		errs = append(errs, fmt.Errorf("measurement.sample_interval must not be negative"))
	}
	if c.Measurement.AutoStopBand <= 1 {
		errs = append(errs, fmt.Errorf("measurement.autostop_band must be greater than 1, got %g", c.Measurement.AutoStopBand))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1"))
	}
	if c.Retry.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("retry.breaker_threshold must be at least 1"))
	}
	if c.Supervisor.ThermalLimitC <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.thermal_limit_c must be positive"))
	}
	switch c.Serial.Backend {
	case "bugst", "jacobsa":
	default:
		errs = append(errs, fmt.Errorf("serial.backend %q is not one of bugst, jacobsa", c.Serial.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of console, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func Dump(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}
