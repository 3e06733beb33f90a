// Package bench is the acquisition and device-control core of the leak
// test bench: device registry, reconnect, measurement state machine,
// sensor supervisor and calibration.
package bench

import (
	"context"

	"leakbench/devices"
	"leakbench/types"
	"leakbench/utils"
)

// DeviceStore persists device configuration.
type DeviceStore interface {
	LoadDevices(ctx context.Context) ([]types.DeviceConfig, error)
	SaveDevices(ctx context.Context, cfgs []types.DeviceConfig) error
}

// ResultSink stores finished runs. SaveMeasurement writes the measurement
// and its specimen in one transaction and fills in panel, location and IDs.
type ResultSink interface {
	SaveMeasurement(ctx context.Context, m *types.Measurement, s *types.Specimen) error
	SoftDeleteLast(ctx context.Context, sessionID uint) (*types.Measurement, error)
	MaxSerial(ctx context.Context, sessionID uint) (int, error)
}

// ResultStore adds the read and edit side used by operators.
type ResultStore interface {
	ResultSink
	ListMeasurements(ctx context.Context, sessionID uint) ([]types.Measurement, error)
	Specimen(ctx context.Context, measurementID uint) (*types.Specimen, error)
	UpdatePlacement(ctx context.Context, id uint, panel, location int) error
}

// SensorLog appends raw sensor rows.
type SensorLog interface {
	RecordMassFlow(ctx context.Context, sessionID uint, st devices.MassFlowStatus) error
	RecordHelium(ctx context.Context, sessionID uint, r devices.AnalyzerReading) error
	RecordPressureGauge(ctx context.Context, sessionID uint, r GaugeReading) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, mode, typ string, station utils.Station) (uint, error)
}

// Observer receives counters and gauges; the metrics package implements it.
type Observer interface {
	SampleRecorded(leakRate float64)
	ReadRetried(role types.Role)
	DeviceFault(role types.Role)
	MeasurementSaved()
	ThermalTrip()
	LiveStatus(s types.LiveStatus)
}

type nopObserver struct{}

func (nopObserver) SampleRecorded(float64)      {}
func (nopObserver) ReadRetried(types.Role)      {}
func (nopObserver) DeviceFault(types.Role)      {}
func (nopObserver) MeasurementSaved()           {}
func (nopObserver) ThermalTrip()                {}
func (nopObserver) LiveStatus(types.LiveStatus) {}

// LeakDetector is the command set of the leak detector driver.
type LeakDetector interface {
	ReadLeakRate() (float64, error)
	Start() error
	StopAndVent() error
	PowerOnMinutes() (int, error)
	Calibrate() error
	CalibrationFactor() (float64, error)
}

type MassFlow interface {
	ReadStatus() (devices.MassFlowStatus, error)
	SetSetpoint(sccm float64) error
}

type Analyzer interface {
	ReadLatest() (devices.AnalyzerReading, error)
}

// GaugeReading is one sample of the helium supply pressure gauge, which
// also reports the room temperature.
type GaugeReading struct {
	Pressure    float64 `json:"pressure"` // bar
	Temperature float64 `json:"temperature"`
}

// PressureGauge has no serial driver; it is attached when present.
type PressureGauge interface {
	Read() (GaugeReading, error)
}

// PowerSwitch is the relay sequencer.
type PowerSwitch interface {
	PowerOn(loads ...devices.RelayLoad) error
	PowerOff(loads ...devices.RelayLoad) error
}

// Hardware is the set of live device handles maintained by the
// ReconnectManager.
type Hardware interface {
	Rescan(ctx context.Context) error
	Connect(role types.Role) error
	Release(role types.Role)

	LeakDetector() (LeakDetector, bool)
	MassFlow() (MassFlow, bool)
	Analyzer() (Analyzer, bool)
	Gauge() (PressureGauge, bool)
	Relay() (PowerSwitch, bool)

	CloseDevices() error
	CloseRelay() error
}
