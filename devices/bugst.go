package devices

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"

	"leakbench/types"
)

// BugstOpener opens ports with go.bug.st/serial. Flow control is left off
// (no XON/XOFF, RTS/CTS or DSR/DTR), which is what every bench device uses.
type BugstOpener struct{}

func (BugstOpener) Open(name string, s types.SerialSettings) (Port, error) {
	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.ByteSize,
		Parity:   bugstParity(s.Parity),
		StopBits: bugstStopBits(s.StopBits),
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	if s.Timeout > 0 {
		if err := p.SetReadTimeout(s.Timeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: set timeout: %v", types.ErrPortUnavailable, err)
		}
	}
	return p, nil
}

func classifyOpenError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortBusy:
			return fmt.Errorf("%w: %v", types.ErrPortBusy, err)
		case serial.PortNotFound, serial.InvalidSerialPort, serial.PermissionDenied:
			return fmt.Errorf("%w: %v", types.ErrPortUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", types.ErrPortUnavailable, err)
}

func bugstParity(p string) serial.Parity {
	switch strings.ToUpper(p) {
	case "E", "EVEN":
		return serial.EvenParity
	case "O", "ODD":
		return serial.OddParity
	case "M", "MARK":
		return serial.MarkParity
	case "S", "SPACE":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func bugstStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
