package devices

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"leakbench/config"
	"leakbench/types"
)

// MassFlowStatus is one decoded status frame of the flow controller:
// "<id> <pressure> <temperature> <volumetric> <mass> ...".
type MassFlowStatus struct {
	Pressure       float64 `json:"pressure"`
	Temperature    float64 `json:"temperature"`
	VolumetricFlow float64 `json:"volumetric_flow"`
	MassFlow       float64 `json:"mass_flow"`
	Raw            string  `json:"raw"`
}

// ParseMassFlowStatus decodes a status line. Index 2 is the gas
// temperature and index 4 the mass flow in sccm.
func ParseMassFlowStatus(line string) (MassFlowStatus, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MassFlowStatus{}, fmt.Errorf("%w: status %q has %d fields", types.ErrMalformedResponse, line, len(fields))
	}
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return MassFlowStatus{}, fmt.Errorf("%w: field %d of %q", types.ErrMalformedResponse, i+1, line)
		}
		vals[i] = v
	}
	return MassFlowStatus{
		Pressure:       vals[0],
		Temperature:    vals[1],
		VolumetricFlow: vals[2],
		MassFlow:       vals[3],
		Raw:            line,
	}, nil
}

// SetpointCounts converts sccm into the controller's integer setpoint.
func SetpointCounts(sccm float64) int {
	return int(math.Round(sccm * config.MassFlowFullScaleCounts / config.MassFlowFullScaleSccm))
}

type MassFlow struct {
	link    *Link
	mu      sync.Mutex
	timeout time.Duration
	sleep   func(time.Duration)
}

func NewMassFlow(link *Link, timeout time.Duration) *MassFlow {
	return &MassFlow{link: link, timeout: timeout, sleep: time.Sleep}
}

func (m *MassFlow) Link() *Link { return m.link }

// ReadStatus asks twice and decodes the second answer; the first one can
// carry a stale register.
func (m *MassFlow) ReadStatus() (MassFlowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var line string
	for i := 0; i < 2; i++ {
		var err error
		line, err = m.query(config.CmdMassFlowStatus)
		if err != nil {
			return MassFlowStatus{}, err
		}
	}
	st, err := ParseMassFlowStatus(line)
	if err != nil {
		return MassFlowStatus{}, types.WrapDevice(types.MassFlowController, "status", err)
	}
	return st, nil
}

// SetSetpoint writes a new flow setpoint in sccm.
func (m *MassFlow) SetSetpoint(sccm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sccm < 0 || sccm > config.MassFlowFullScaleSccm {
		return types.WrapDevice(types.MassFlowController, "setpoint", fmt.Errorf("setpoint %.2f sccm out of range", sccm))
	}
	if err := m.link.Flush(); err != nil {
		return err
	}
	if err := m.link.WriteCommand(config.CmdMassFlowStatus); err != nil {
		return err
	}
	m.sleep(200 * time.Millisecond)
	if err := m.link.Flush(); err != nil {
		return err
	}
	return m.link.WriteCommand(config.MassFlowSetpoint + strconv.Itoa(SetpointCounts(sccm)))
}

// Identify reports whether the device answers the identify command with OK.
func (m *MassFlow) Identify() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	line, err := m.query(config.CmdMassFlowIdentify)
	if err != nil {
		return false, err
	}
	return strings.Contains(line, config.MassFlowIdentifyAck), nil
}

func (m *MassFlow) Close() error { return m.link.Close() }

func (m *MassFlow) query(cmd string) (string, error) {
	if err := m.link.Flush(); err != nil {
		return "", err
	}
	if err := m.link.WriteCommand(cmd); err != nil {
		return "", err
	}
	reply, err := m.link.ReadUntil(config.CommandTerminator, m.timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(reply)), nil
}
