package types

import (
	"errors"
	"fmt"
)

var (
	ErrPortUnavailable     = errors.New("port unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrThermalFault        = errors.New("thermal fault")
	ErrPersistenceFailure  = errors.New("persistence failure")
	ErrHardwareAckMismatch = errors.New("hardware acknowledgment mismatch")

	ErrPortConflict = errors.New("port already assigned to another device")
	ErrInvalidState = errors.New("invalid state")
	ErrWarmingUp    = errors.New("device still warming up")
	ErrNotFound     = errors.New("not found")
)

var (
	// ErrHardwareNotFound is returned when a rescan finds no serial port at all.
	ErrHardwareNotFound = fmt.Errorf("%w: no serial ports found, check the hardware", ErrPortUnavailable)
	// ErrDeviceDisconnected is returned once the circuit breaker has opened.
	ErrDeviceDisconnected = fmt.Errorf("%w: device disconnected", ErrPortUnavailable)
	// ErrPortBusy is returned when a port is already owned by another link.
	ErrPortBusy = fmt.Errorf("%w: port already open", ErrPortUnavailable)
)

// DeviceError ties a failure to the device and operation that produced it.
type DeviceError struct {
	Device Role
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// WrapDevice returns nil for a nil err.
func WrapDevice(role Role, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Device: role, Op: op, Err: err}
}

// WarmingUpError reports how long the leak detector still has to be powered
// before it can be calibrated.
type WarmingUpError struct {
	PoweredMinutes   int
	RemainingMinutes int
}

func (e *WarmingUpError) Error() string {
	return fmt.Sprintf("leak detector powered for %d min, wait %d more minutes", e.PoweredMinutes, e.RemainingMinutes)
}

func (e *WarmingUpError) Unwrap() error { return ErrWarmingUp }
