package devices

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"leakbench/config"
	"leakbench/types"
)

// LeakDetector drives the Inficon leak detector over its ASCII protocol.
type LeakDetector struct {
	link       *Link
	mu         sync.Mutex
	readSettle time.Duration
	timeout    time.Duration
	sleep      func(time.Duration)
}

func NewLeakDetector(link *Link, readSettle, timeout time.Duration) *LeakDetector {
	return &LeakDetector{link: link, readSettle: readSettle, timeout: timeout, sleep: time.Sleep}
}

func (d *LeakDetector) Link() *Link { return d.link }

// ReadLeakRate asks for the current leak rate. A non-positive or
// non-numeric answer is reported as types.ErrMalformedResponse.
func (d *LeakDetector) ReadLeakRate() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := d.query(config.CmdReadLeakRate, d.readSettle)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, types.WrapDevice(types.LeakDetector, "read", fmt.Errorf("%w: %q", types.ErrMalformedResponse, line))
	}
	if v <= 0 {
		return 0, types.WrapDevice(types.LeakDetector, "read", fmt.Errorf("%w: non-positive leak rate %g", types.ErrMalformedResponse, v))
	}
	return v, nil
}

func (d *LeakDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.link.Flush(); err != nil {
		return err
	}
	if err := d.link.WriteCommand(config.CmdStart); err != nil {
		return err
	}
	d.sleep(50 * time.Millisecond)
	return d.link.Flush()
}

// StopAndVent stops the measurement and vents the test chamber twice.
func (d *LeakDetector) StopAndVent() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.link.WriteCommand(config.CmdStop); err != nil {
		return err
	}
	d.sleep(750 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if i > 0 {
			d.sleep(500 * time.Millisecond)
		}
		if err := d.link.WriteCommand(config.CmdVent); err != nil {
			return err
		}
		d.sleep(50 * time.Millisecond)
		if err := d.link.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// PowerOnMinutes returns how long the detector has been powered.
func (d *LeakDetector) PowerOnMinutes() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := d.query(config.CmdPowerOnMinutes, 50*time.Millisecond)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil || v < 0 {
		return 0, types.WrapDevice(types.LeakDetector, "power-on time", fmt.Errorf("%w: %q", types.ErrMalformedResponse, line))
	}
	return int(v), nil
}

// Calibrate triggers the internal calibration routine.
func (d *LeakDetector) Calibrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.link.Flush(); err != nil {
		return err
	}
	return d.link.WriteCommand(config.CmdCalibrate)
}

// CalibrationFactor reads the factor from the last field of the
// calibration history line.
func (d *LeakDetector) CalibrationFactor() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := d.query(config.CmdCalibrationFactor, 100*time.Millisecond)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, types.WrapDevice(types.LeakDetector, "calibration factor", fmt.Errorf("%w: empty reply", types.ErrMalformedResponse))
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, types.WrapDevice(types.LeakDetector, "calibration factor", fmt.Errorf("%w: %q", types.ErrMalformedResponse, line))
	}
	return v, nil
}

func (d *LeakDetector) Close() error { return d.link.Close() }

func (d *LeakDetector) query(cmd string, settle time.Duration) (string, error) {
	if err := d.link.Flush(); err != nil {
		return "", err
	}
	if err := d.link.WriteCommand(cmd); err != nil {
		return "", err
	}
	d.sleep(settle)
	reply, err := d.link.ReadUntil(config.CommandTerminator, d.timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(reply)), nil
}
