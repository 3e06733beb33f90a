package wedge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leakbench/bench"
	"leakbench/logging"
	"leakbench/types"
)

func TestFormat(t *testing.T) {
	m := types.Measurement{PanelNo: 2, LocationNo: 14, LeakRate: 2.1e-5, MaxLeakRate: 4e-5}
	require.Equal(t, "2:14:2.10e-05:4.00e-05", Format(m))
}

func TestTypistOrder(t *testing.T) {
	require := require.New(t)

	var steps []string
	var slept []time.Duration
	ty := &Typist{
		copy:  func(s string) error { steps = append(steps, "copy "+s); return nil },
		paste: func() error { steps = append(steps, "paste"); return nil },
		enter: func() error { steps = append(steps, "enter"); return nil },
		sleep: func(d time.Duration) { slept = append(slept, d) },
		delay: 200 * time.Millisecond,
	}
	require.NoError(ty.Type("1:1:1.00e-05:2.00e-05"))
	require.Equal([]string{"copy 1:1:1.00e-05:2.00e-05", "paste", "enter"}, steps)
	require.Equal([]time.Duration{200 * time.Millisecond, 100 * time.Millisecond}, slept)

	steps = nil
	ty.copy = func(string) error { return errors.New("no display") }
	require.ErrorContains(ty.Type("x"), "clipboard")
	require.Empty(steps)
}

type recordingTyper struct {
	mu    sync.Mutex
	typed []string
}

func (r *recordingTyper) Type(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed = append(r.typed, text)
	return nil
}

func (r *recordingTyper) Typed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.typed...)
}

func TestWedgeTypesSavedMeasurements(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bench.NewBus[types.Event]()
	typer := &recordingTyper{}
	done := make(chan struct{})
	go func() {
		New(typer, logging.Discard()).Run(ctx, events)
		close(done)
	}()

	m := &types.Measurement{PanelNo: 1, LocationNo: 3, LeakRate: 1e-6, MaxLeakRate: 3e-6}
	require.Eventually(func() bool {
		events.Publish(types.Event{Kind: types.EventStarted})
		events.Publish(types.Event{Kind: types.EventDeleted, Measurement: m})
		events.Publish(types.Event{Kind: types.EventSaved, Measurement: m})
		return len(typer.Typed()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal("1:3:1.00e-06:3.00e-06", typer.Typed()[0])

	cancel()
	<-done
}
