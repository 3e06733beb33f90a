package bench

import (
	"time"

	"leakbench/types"
)

// AutoStop decides when a leak-rate reading has stabilized: the reading
// must stay strictly inside (observed/band, observed*band) for dwell.
// Leaving the band re-anchors on the current value.
type AutoStop struct {
	band  float64
	dwell time.Duration

	armed    bool
	anchored bool
	observed float64
	anchorAt float64
	state    types.AutoStopState
}

func NewAutoStop(band float64, dwell time.Duration) *AutoStop {
	return &AutoStop{band: band, dwell: dwell, state: types.AutoStopOff}
}

// Arm starts watching. With no sample yet the first observed sample
// becomes the anchor.
func (a *AutoStop) Arm(last *types.SamplePoint) {
	a.armed = true
	a.state = types.AutoStopArmed
	a.anchored = last != nil
	if last != nil {
		a.observed = last.LeakRate
		a.anchorAt = last.Elapsed
	}
}

func (a *AutoStop) Disarm() {
	a.armed = false
	a.anchored = false
	a.state = types.AutoStopOff
}

func (a *AutoStop) State() types.AutoStopState { return a.state }

// Observe feeds one sample and reports whether the run should stop.
func (a *AutoStop) Observe(p types.SamplePoint) bool {
	if !a.armed {
		return false
	}
	if !a.anchored {
		a.anchored = true
		a.observed, a.anchorAt = p.LeakRate, p.Elapsed
		a.state = types.AutoStopArmed
		return false
	}
	if !(a.observed/a.band < p.LeakRate && p.LeakRate < a.observed*a.band) {
		a.state = types.AutoStopWatching
		a.observed, a.anchorAt = p.LeakRate, p.Elapsed
		return false
	}
	a.state = types.AutoStopArmed
	return p.Elapsed-a.anchorAt >= a.dwell.Seconds()
}
