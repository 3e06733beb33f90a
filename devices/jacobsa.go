package devices

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jserial "github.com/jacobsa/go-serial/serial"

	"leakbench/types"
)

// JacobsaOpener is the termios based backend. Its read timeout is fixed at
// open time (VTIME, 100 ms), so a Read never blocks longer than that.
type JacobsaOpener struct{}

func (JacobsaOpener) Open(name string, s types.SerialSettings) (Port, error) {
	opts := jserial.OpenOptions{
		PortName:              name,
		BaudRate:              uint(s.BaudRate),
		DataBits:              uint(s.ByteSize),
		StopBits:              uint(max(s.StopBits, 1)),
		ParityMode:            jacobsaParity(s.Parity),
		RTSCTSFlowControl:     false,
		InterCharacterTimeout: 100,
		MinimumReadSize:       0,
	}
	rwc, err := jserial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPortUnavailable, err)
	}
	return &jacobsaPort{rwc: rwc}, nil
}

func jacobsaParity(p string) jserial.ParityMode {
	switch strings.ToUpper(p) {
	case "E", "EVEN":
		return jserial.PARITY_EVEN
	case "O", "ODD":
		return jserial.PARITY_ODD
	default:
		return jserial.PARITY_NONE
	}
}

type jacobsaPort struct {
	rwc io.ReadWriteCloser
}

// Read maps the EOF reported for an empty VTIME read to a plain timeout.
func (p *jacobsaPort) Read(b []byte) (int, error) {
	n, err := p.rwc.Read(b)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (p *jacobsaPort) Write(b []byte) (int, error) { return p.rwc.Write(b) }

func (p *jacobsaPort) Close() error { return p.rwc.Close() }

func (p *jacobsaPort) SetReadTimeout(time.Duration) error { return nil }

// ResetInputBuffer reads until the line goes quiet.
func (p *jacobsaPort) ResetInputBuffer() error {
	buf := make([]byte, 256)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// NewOpener selects the serial backend by configuration name.
func NewOpener(backend string) (Opener, error) {
	switch strings.ToLower(backend) {
	case "", "bugst":
		return BugstOpener{}, nil
	case "jacobsa":
		return JacobsaOpener{}, nil
	default:
		return nil, fmt.Errorf("unknown serial backend %q", backend)
	}
}
