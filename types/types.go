package types

import (
	"fmt"
	"strings"
	"time"
)

// Role is one of the four logical devices on the bench.
type Role int

const (
	LeakDetector Role = iota
	MassFlowController
	HeliumAnalyzer
	RelaySwitch
)

var roleNames = [...]string{
	LeakDetector:       "Leak Detector",
	MassFlowController: "Mass Flow Controller",
	HeliumAnalyzer:     "Helium Analyzer",
	RelaySwitch:        "Relay Switch",
}

// Roles returns every role in configuration order.
func Roles() []Role {
	return []Role{LeakDetector, MassFlowController, HeliumAnalyzer, RelaySwitch}
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// Slug is the lower-case, dash separated form used in URLs and metric labels.
func (r Role) Slug() string {
	return strings.ReplaceAll(strings.ToLower(r.String()), " ", "-")
}

// ParseRole accepts either the display name or the slug.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if strings.EqualFold(s, r.String()) || strings.EqualFold(s, r.Slug()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

// SerialSettings is the line configuration of one port.
type SerialSettings struct {
	BaudRate int           `json:"baud_rate"`
	ByteSize int           `json:"byte_size"`
	Parity   string        `json:"parity"` // "N", "E", "O"
	StopBits int           `json:"stop_bits"`
	Timeout  time.Duration `json:"timeout"`
}

// DeviceConfig is the stored configuration of one logical device.
type DeviceConfig struct {
	Role         Role     `json:"-"`
	Name         string   `json:"name"`
	Port         string   `json:"port"`
	IsAvailable  bool     `json:"is_available"`
	IsDefault    bool     `json:"is_default"`
	SccmSetpoint *float64 `json:"sccm_setpoint,omitempty"`
	SerialSettings
}

// DefaultDeviceConfigs is the factory table seeded into an empty store.
func DefaultDeviceConfigs() []DeviceConfig {
	sccm := 71.5
	return []DeviceConfig{
		{Role: LeakDetector, Name: LeakDetector.String(), Port: "COM11", IsDefault: true,
			SerialSettings: SerialSettings{BaudRate: 19200, ByteSize: 8, Parity: "N", StopBits: 1, Timeout: 50 * time.Millisecond}},
		{Role: MassFlowController, Name: MassFlowController.String(), Port: "COM8", IsDefault: true, SccmSetpoint: &sccm,
			SerialSettings: SerialSettings{BaudRate: 19200, ByteSize: 8, Parity: "N", StopBits: 1, Timeout: time.Second}},
		{Role: HeliumAnalyzer, Name: HeliumAnalyzer.String(), Port: "COM6", IsDefault: true,
			SerialSettings: SerialSettings{BaudRate: 115200, ByteSize: 8, Parity: "N", StopBits: 1, Timeout: time.Second}},
		{Role: RelaySwitch, Name: RelaySwitch.String(), Port: "COM12", IsDefault: true,
			SerialSettings: SerialSettings{BaudRate: 9600, ByteSize: 8, Parity: "N", StopBits: 1, Timeout: time.Second}},
	}
}

// SamplePoint is one leak-rate reading of a run.
type SamplePoint struct {
	Elapsed  float64 `json:"elapsed_seconds"`
	LeakRate float64 `json:"leak_rate"`
}

// Specimen is the persisted time series of one completed run.
type Specimen struct {
	ID            uint      `json:"id"`
	MeasurementID uint      `json:"measurement_id"`
	X             []float64 `json:"x_values"`
	Y             []float64 `json:"y_values"`
}

// SpecimenFromSeries splits a run into its x/y sequences. Both slices are
// non-nil so an empty run still yields a well-formed specimen.
func SpecimenFromSeries(series []SamplePoint) Specimen {
	s := Specimen{X: make([]float64, 0, len(series)), Y: make([]float64, 0, len(series))}
	for _, p := range series {
		s.X = append(s.X, p.Elapsed)
		s.Y = append(s.Y, p.LeakRate)
	}
	return s
}

// Measurement is the summary record of one completed run.
type Measurement struct {
	ID                  uint      `json:"id"`
	SessionID           uint      `json:"session_id"`
	SerialNumber        int       `json:"serial_number"`
	ElapsedSeconds      float64   `json:"elapsed_seconds"`
	LeakRate            float64   `json:"leak_rate"`
	MaxLeakRate         float64   `json:"max_leak_rate"`
	PanelNo             int       `json:"panel_no"`
	LocationNo          int       `json:"location_no"`
	AverageTemperature  float64   `json:"average_temperature"`
	AutoStop            bool      `json:"auto_stop"`
	HeliumPressure      float64   `json:"helium_pressure"`
	HeliumConcentration float64   `json:"helium_concentration"`
	MassFlowSccm        float64   `json:"mass_flow_sccm"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// LiveStatus is the fused picture of the bench sensors, republished every
// supervisor cycle.
type LiveStatus struct {
	RoomTemperature      float64   `json:"room_temperature"`
	HeliumSupplyPressure float64   `json:"helium_supply_pressure"`
	HeliumConcentration  float64   `json:"helium_concentration"`
	MassFlowSccm         float64   `json:"mass_flow_sccm"`
	MassFlowTemperature  float64   `json:"mass_flow_temperature"`
	ThermalFault         bool      `json:"thermal_fault"`
	StartEnabled         bool      `json:"start_enabled"`
	LowHelium            bool      `json:"low_helium"`
	SupplyPressureLow    bool      `json:"supply_pressure_low"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// LiveReading is published for every sample of a running measurement.
type LiveReading struct {
	SamplePoint
	Max        float64       `json:"max"`
	AboveLimit bool          `json:"above_limit"`
	AutoStop   AutoStopState `json:"auto_stop"`
}

// Phase of the measurement state machine.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// AutoStopState is the indicator shown next to the auto-stop toggle.
type AutoStopState string

const (
	AutoStopOff      AutoStopState = "off"
	AutoStopArmed    AutoStopState = "armed"
	AutoStopWatching AutoStopState = "watching"
)

// EventKind enumerates session events.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventStopped      EventKind = "stopped"
	EventAutoStopped  EventKind = "auto_stopped"
	EventSaved        EventKind = "saved"
	EventDeleted      EventKind = "deleted"
	EventFault        EventKind = "fault"
	EventThermalFault EventKind = "thermal_fault"
	EventThermalClear EventKind = "thermal_clear"
	EventLowHelium    EventKind = "low_helium"
	EventCalibrated   EventKind = "calibrated"
	EventReconnected  EventKind = "reconnected"
)

// Event is one session notification for the presentation layer.
type Event struct {
	ID          string       `json:"id"`
	Kind        EventKind    `json:"kind"`
	Time        time.Time    `json:"time"`
	Message     string       `json:"message,omitempty"`
	Measurement *Measurement `json:"measurement,omitempty"`
}

type LogMessage struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Type    string `json:"type"` // component name or "system"
}
