package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	require.NoError(cfg.Validate())
	require.Equal(90*time.Second, cfg.Measurement.AutoStopDwell)
	require.Equal(5.0, cfg.Measurement.AutoStopBand)
	require.Equal(45.0, cfg.Supervisor.ThermalLimitC)
	require.Equal(95.0, cfg.Supervisor.HeliumMinPercent)
	require.Equal(21, cfg.Calibration.MinPowerOnMinutes)
	require.Equal(40*time.Second, cfg.Calibration.Settle)
	require.Equal(time.Second, cfg.Supervisor.PollInterval)
	require.Equal("bugst", cfg.Serial.Backend)
}

func TestLoadFileAndEnv(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	content := []byte(`
serial:
  backend: jacobsa
measurement:
  autostop_dwell: 2m
supervisor:
  thermal_limit_c: 50
`)
	require.NoError(os.WriteFile(path, content, 0o600))

	t.Setenv("LEAKBENCH_HTTP_ADDR", ":9999")
	t.Setenv("LEAKBENCH_RETRY_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("jacobsa", cfg.Serial.Backend)
	require.Equal(2*time.Minute, cfg.Measurement.AutoStopDwell)
	require.Equal(50.0, cfg.Supervisor.ThermalLimitC)
	require.Equal(":9999", cfg.HTTP.Addr)
	require.Equal(7, cfg.Retry.Attempts)
	// untouched keys keep their defaults
	require.Equal(95.0, cfg.Supervisor.HeliumMinPercent)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(os.WriteFile(path, []byte("serial:\n  backend: usb\nretry:\n  attempts: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(err)
	require.Contains(err.Error(), "serial.backend")
	require.Contains(err.Error(), "retry.attempts")
}

func TestDump(t *testing.T) {
	require := require.New(t)

	out, err := Dump(Default())
	require.NoError(err)
	require.Contains(string(out), "autostop_dwell: 1m30s")
	require.Contains(string(out), "thermal_limit_c: 45")
}
