package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"leakbench/config"
	"leakbench/types"
	"leakbench/utils"
)

// RelayLoad is a switched output of the relay board. The value is the
// channel number.
type RelayLoad int

const (
	LoadInficon        RelayLoad = 1
	LoadSolenoidValve  RelayLoad = 2
	LoadHeliumAnalyzer RelayLoad = 3
	LoadMassFlow       RelayLoad = 4
)

func (l RelayLoad) String() string {
	switch l {
	case LoadInficon:
		return "Inficon"
	case LoadSolenoidValve:
		return "Helium Solenoid Valve"
	case LoadHeliumAnalyzer:
		return "Helium Analyzer"
	case LoadMassFlow:
		return "Mass Flow Controller"
	}
	return fmt.Sprintf("channel %d", int(l))
}

// PowerOnOrder is the fixed energize sequence; PowerOffOrder is its reverse.
func PowerOnOrder() []RelayLoad {
	return []RelayLoad{LoadInficon, LoadSolenoidValve, LoadHeliumAnalyzer, LoadMassFlow}
}

func PowerOffOrder() []RelayLoad {
	return []RelayLoad{LoadMassFlow, LoadHeliumAnalyzer, LoadSolenoidValve, LoadInficon}
}

// RelaySwitch talks to the four channel relay board.
type RelaySwitch struct {
	link    *Link
	mu      sync.Mutex
	timeout time.Duration
	sleep   func(time.Duration)
}

func NewRelaySwitch(link *Link, timeout time.Duration) *RelaySwitch {
	return &RelaySwitch{link: link, timeout: timeout, sleep: time.Sleep}
}

func (r *RelaySwitch) Link() *Link { return r.link }

// SetFrame builds the set command: channel as two ASCII digits, state as
// one ASCII digit.
func SetFrame(load RelayLoad, on bool) []byte {
	state := byte('0')
	if on {
		state = '1'
	}
	ch := int(load)
	return []byte{config.RelayFrameStart, config.RelayCmdSet, byte('0' + ch/10), byte('0' + ch%10), state, config.RelayFrameEnd}
}

// StatusFrame is the status request.
func StatusFrame() []byte {
	return []byte{config.RelayFrameStart, config.RelayCmdStatus, config.RelayFrameEnd}
}

// ValidateAck checks the 5 byte [ ... ] acknowledgment.
func ValidateAck(ack []byte) error {
	if len(ack) != config.RelayAckLen || ack[0] != config.RelayFrameStart || ack[len(ack)-1] != config.RelayFrameEnd {
		return fmt.Errorf("%w: %s", types.ErrHardwareAckMismatch, utils.FormatDataForLog(ack))
	}
	return nil
}

// Set switches one load and verifies the acknowledgment.
func (r *RelaySwitch) Set(load RelayLoad, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := fmt.Sprintf("set %s", load)
	_, err := r.exchange(SetFrame(load, on), ValidateAck)
	return types.WrapDevice(types.RelaySwitch, op, err)
}

// Status returns the on/off state of every channel, indexed by load.
func (r *RelaySwitch) Status() (map[RelayLoad]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ack, err := r.exchange(StatusFrame(), validateStatus)
	if err != nil {
		return nil, types.WrapDevice(types.RelaySwitch, "status", err)
	}
	// bytes 1..4 are the channel states
	states := make(map[RelayLoad]bool, 4)
	for i, b := range ack[1:config.RelayAckLen] {
		states[RelayLoad(i+1)] = b == config.RelayChannelOn
	}
	return states, nil
}

func (r *RelaySwitch) Close() error { return r.link.Close() }

func validateStatus(ack []byte) error {
	if len(ack) != config.RelayAckLen || ack[0] != config.RelayFrameStart {
		return fmt.Errorf("%w: %s", types.ErrHardwareAckMismatch, utils.FormatDataForLog(ack))
	}
	return nil
}

func (r *RelaySwitch) exchange(frame []byte, validate func([]byte) error) ([]byte, error) {
	if err := r.link.Flush(); err != nil {
		return nil, err
	}
	if err := r.link.Write(frame); err != nil {
		return nil, err
	}
	r.sleep(100 * time.Millisecond)
	ack, err := r.link.ReadN(config.RelayAckLen, r.timeout)
	if err != nil {
		if errors.Is(err, types.ErrTimeout) {
			return nil, fmt.Errorf("%w: no acknowledgment: %v", types.ErrHardwareAckMismatch, err)
		}
		return nil, err
	}
	if err := validate(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// RelayChannel is anything that can switch a load.
type RelayChannel interface {
	Set(load RelayLoad, on bool) error
}

// RelaySequencer powers bench loads in the fixed order.
type RelaySequencer struct {
	relay  RelayChannel
	settle time.Duration
	sleep  func(time.Duration)
	log    *slog.Logger
}

// NewRelaySequencer waits settle between two power-on steps.
func NewRelaySequencer(relay RelayChannel, settle time.Duration, log *slog.Logger) *RelaySequencer {
	return &RelaySequencer{relay: relay, settle: settle, sleep: time.Sleep, log: log.With("component", "relay")}
}

// PowerOn energizes loads (all of them when none are given) in power-on
// order and stops at the first failure so nothing downstream is powered.
func (s *RelaySequencer) PowerOn(loads ...RelayLoad) error {
	seq := ordered(PowerOnOrder(), loads)
	for i, l := range seq {
		if i > 0 && s.settle > 0 {
			s.sleep(s.settle)
		}
		if err := s.relay.Set(l, true); err != nil {
			s.log.Error("power on failed, sequence aborted", "load", l.String(), "error", err)
			return err
		}
		s.log.Info("powered on", "load", l.String())
	}
	return nil
}

// PowerOff de-energizes loads (all of them when none are given) in
// power-off order. Every load is attempted; failures are joined.
func (s *RelaySequencer) PowerOff(loads ...RelayLoad) error {
	var errs []error
	for _, l := range ordered(PowerOffOrder(), loads) {
		if err := s.relay.Set(l, false); err != nil {
			s.log.Error("power off failed", "load", l.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		s.log.Info("powered off", "load", l.String())
	}
	return errors.Join(errs...)
}

func ordered(order []RelayLoad, loads []RelayLoad) []RelayLoad {
	if len(loads) == 0 {
		return order
	}
	rank := make(map[RelayLoad]int, len(order))
	for i, l := range order {
		rank[l] = i
	}
	seq := make([]RelayLoad, 0, len(loads))
	seen := make(map[RelayLoad]bool, len(loads))
	for _, l := range loads {
		if _, known := rank[l]; known && !seen[l] {
			seen[l] = true
			seq = append(seq, l)
		}
	}
	sort.Slice(seq, func(i, j int) bool { return rank[seq[i]] < rank[seq[j]] })
	return seq
}
