// Package serialtest provides an in-memory serial port with scripted
// replies for driver and controller tests.
package serialtest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"leakbench/devices"
	"leakbench/types"
)

// Port answers writes from a reply script. Replies queued for a command
// are consumed in order; the last one is repeated.
type Port struct {
	mu       sync.Mutex
	rx       []byte
	writes   [][]byte
	replies  map[string][]string
	closed   bool
	timeout  time.Duration
	flushes  int
	writeErr error
	readErr  error
}

func New() *Port {
	return &Port{replies: make(map[string][]string)}
}

// Reply scripts the answers to an exact written frame.
func (p *Port) Reply(frame string, replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[frame] = append(p.replies[frame], replies...)
}

// Feed makes data available to the next reads.
func (p *Port) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, data...)
}

func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	if q := p.replies[string(b)]; len(q) > 0 {
		p.rx = append(p.rx, q[0]...)
		if len(q) > 1 {
			p.replies[string(b)] = q[1:]
		}
	}
	return len(b), nil
}

// Read returns buffered data or, like a real port on timeout, (0, nil).
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	p.flushes++
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Writes returns every written frame.
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Commands returns written frames as strings.
func (p *Port) Commands() []string {
	w := p.Writes()
	out := make([]string, len(w))
	for i, b := range w {
		out[i] = string(b)
	}
	return out
}

func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Opener hands out scripted ports by name and counts opens.
type Opener struct {
	mu    sync.Mutex
	ports map[string]*Port
	opens map[string]int
	fail  map[string]error
}

func NewOpener() *Opener {
	return &Opener{ports: make(map[string]*Port), opens: make(map[string]int), fail: make(map[string]error)}
}

// Port returns the scripted port for name, creating it on first use.
func (o *Opener) Port(name string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.ports[name]
	if !ok {
		p = New()
		o.ports[name] = p
	}
	return p
}

// Fail makes every open of name fail with err.
func (o *Opener) Fail(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[name] = err
}

func (o *Opener) Opens(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[name]
}

func (o *Opener) Open(name string, _ types.SerialSettings) (devices.Port, error) {
	o.mu.Lock()
	if err, ok := o.fail[name]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", types.ErrPortUnavailable, err)
	}
	o.opens[name]++
	o.mu.Unlock()

	p := o.Port(name)
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return p, nil
}
