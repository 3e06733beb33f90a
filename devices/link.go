package devices

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"leakbench/types"
	"leakbench/utils"
)

// Port is the part of a serial port the drivers need. go.bug.st/serial
// ports satisfy it directly; the jacobsa backend is adapted to it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a physical port with the given line settings.
type Opener interface {
	Open(name string, s types.SerialSettings) (Port, error)
}

type OpenerFunc func(name string, s types.SerialSettings) (Port, error)

func (f OpenerFunc) Open(name string, s types.SerialSettings) (Port, error) { return f(name, s) }

// pollSlice bounds a single blocking Read so deadlines are honoured.
const pollSlice = 50 * time.Millisecond

// Manager hands out Links and guarantees that a physical port is owned by
// at most one Link at a time.
type Manager struct {
	opener Opener
	owned  *xsync.MapOf[string, *Link]
	log    *slog.Logger
}

func NewManager(opener Opener, log *slog.Logger) *Manager {
	return &Manager{
		opener: opener,
		owned:  xsync.NewMapOf[string, *Link](),
		log:    log.With("component", "serial"),
	}
}

// Open claims name for role. It fails with types.ErrPortBusy when another
// link already owns the port and never preempts it.
func (m *Manager) Open(role types.Role, name string, s types.SerialSettings) (*Link, error) {
	if name == "" {
		return nil, types.WrapDevice(role, "open", fmt.Errorf("%w: no port configured", types.ErrPortUnavailable))
	}
	link := &Link{Role: role, Name: name, mgr: m, log: m.log.With("device", role.String(), "port", name)}
	if owner, loaded := m.owned.LoadOrStore(name, link); loaded {
		return nil, types.WrapDevice(role, "open", fmt.Errorf("%w: %s is held by %s", types.ErrPortBusy, name, owner.Role))
	}

	port, err := m.opener.Open(name, s)
	if err != nil {
		m.owned.Delete(name)
		return nil, types.WrapDevice(role, "open "+name, err)
	}
	link.mu.Lock()
	if link.closed {
		// CloseAll ran while the port was opening
		link.mu.Unlock()
		_ = port.Close()
		return nil, types.WrapDevice(role, "open "+name, fmt.Errorf("%w: closed while opening", types.ErrPortUnavailable))
	}
	link.port = port
	link.mu.Unlock()
	link.log.Info("port opened", "baud", s.BaudRate, "parity", s.Parity)
	return link, nil
}

// Owner reports which role holds name.
func (m *Manager) Owner(name string) (types.Role, bool) {
	l, ok := m.owned.Load(name)
	if !ok {
		return 0, false
	}
	return l.Role, true
}

// CloseAll releases every port still owned, e.g. on abnormal shutdown.
func (m *Manager) CloseAll() {
	m.owned.Range(func(_ string, l *Link) bool {
		_ = l.Close()
		return true
	})
}

func (m *Manager) release(l *Link) {
	m.owned.Compute(l.Name, func(cur *Link, loaded bool) (*Link, bool) {
		// only the owner may release
		return cur, !loaded || cur == l
	})
}

// Link is the exclusive handle to one open serial port.
type Link struct {
	Role types.Role
	Name string

	mgr     *Manager
	log     *slog.Logger
	mu      sync.Mutex
	port    Port
	pending []byte
	closed  bool
}

func (l *Link) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.WrapDevice(l.Role, "write", types.ErrPortUnavailable)
	}
	l.log.Debug("tx", "data", utils.FormatDataForLog(p))
	if _, err := l.port.Write(p); err != nil {
		return types.WrapDevice(l.Role, "write", fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
	}
	return nil
}

// WriteCommand sends an ASCII command followed by a carriage return.
func (l *Link) WriteCommand(cmd string) error {
	return l.Write(append([]byte(cmd), '\r'))
}

// ReadUntil returns the bytes before term, or types.ErrTimeout when term
// has not arrived within timeout.
func (l *Link) ReadUntil(term byte, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readMatch(timeout, "read", func(buf []byte) int {
		if i := bytes.IndexByte(buf, term); i >= 0 {
			return i
		}
		return -1
	}, 1)
}

// ReadN returns exactly n bytes or types.ErrTimeout.
func (l *Link) ReadN(n int, timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readMatch(timeout, "read", func(buf []byte) int {
		if len(buf) >= n {
			return n
		}
		return -1
	}, 0)
}

// ReadFor collects whatever arrives during d.
func (l *Link) ReadFor(d time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, types.WrapDevice(l.Role, "read", types.ErrPortUnavailable)
	}
	data := l.pending
	l.pending = nil
	deadline := time.Now().Add(d)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if err := l.port.SetReadTimeout(min(pollSlice, time.Until(deadline))); err != nil {
			return data, types.WrapDevice(l.Role, "read", fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
		}
		n, err := l.port.Read(buf)
		if err != nil {
			return data, types.WrapDevice(l.Role, "read", fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
		}
		data = append(data, buf[:n]...)
	}
	if len(data) > 0 {
		l.log.Debug("rx", "data", utils.FormatDataForLog(data))
	}
	return data, nil
}

// readMatch reads until match reports the end of a frame. skip is the
// number of delimiter bytes dropped after the frame.
func (l *Link) readMatch(timeout time.Duration, op string, match func([]byte) int, skip int) ([]byte, error) {
	if l.closed {
		return nil, types.WrapDevice(l.Role, op, types.ErrPortUnavailable)
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 128)
	for {
		if i := match(l.pending); i >= 0 {
			frame := append([]byte(nil), l.pending[:i]...)
			l.pending = l.pending[i+skip:]
			l.log.Debug("rx", "data", utils.FormatDataForLog(frame))
			return frame, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if len(l.pending) > 0 {
				l.log.Debug("partial frame", "data", utils.FormatDataForLog(l.pending))
			}
			return nil, types.WrapDevice(l.Role, op, types.ErrTimeout)
		}
		if err := l.port.SetReadTimeout(min(pollSlice, remaining)); err != nil {
			return nil, types.WrapDevice(l.Role, op, fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
		}
		n, err := l.port.Read(buf)
		if err != nil {
			return nil, types.WrapDevice(l.Role, op, fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
		}
		l.pending = append(l.pending, buf[:n]...)
	}
}

// Flush drops buffered input, both ours and the driver's.
func (l *Link) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return types.WrapDevice(l.Role, "flush", types.ErrPortUnavailable)
	}
	l.pending = nil
	if err := l.port.ResetInputBuffer(); err != nil {
		return types.WrapDevice(l.Role, "flush", fmt.Errorf("%w: %v", types.ErrPortUnavailable, err))
	}
	return nil
}

// Close is safe to call more than once and always releases the port.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.pending = nil
	if l.mgr != nil {
		defer l.mgr.release(l)
	}
	var err error
	if l.port != nil {
		err = l.port.Close()
	}
	l.log.Info("port closed")
	return err
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
