// Package wedge types every saved measurement into the focused window, so
// the bench can feed spreadsheets and MES forms like a barcode scanner.
package wedge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"

	"leakbench/bench"
	"leakbench/logging"
	"leakbench/types"
)

// Format renders a measurement as panel:location:leak:max.
func Format(m types.Measurement) string {
	return fmt.Sprintf("%d:%d:%s:%s", m.PanelNo, m.LocationNo,
		strconv.FormatFloat(m.LeakRate, 'e', 2, 64),
		strconv.FormatFloat(m.MaxLeakRate, 'e', 2, 64))
}

type Typer interface {
	Type(text string) error
}

// Typist pastes text through the clipboard and presses Enter.
type Typist struct {
	copy  func(string) error
	paste func() error
	enter func() error
	sleep func(time.Duration)
	delay time.Duration
}

// NewTypist binds the OS keyboard. On Linux this needs write access to
// /dev/uinput.
func NewTypist() (*Typist, error) {
	paste, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("creating paste key binding: %w", err)
	}
	if runtime.GOOS == "darwin" {
		paste.HasSuper(true)
	} else {
		paste.HasCTRL(true)
	}
	paste.SetKeys(keybd_event.VK_V)

	enter, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("creating enter key binding: %w", err)
	}
	enter.SetKeys(keybd_event.VK_ENTER)

	return &Typist{
		copy:  clipboard.WriteAll,
		paste: paste.Launching,
		enter: enter.Launching,
		sleep: time.Sleep,
		delay: 200 * time.Millisecond,
	}, nil
}

func (t *Typist) Type(text string) error {
	if err := t.copy(text); err != nil {
		return fmt.Errorf("clipboard: %w", err)
	}
	// the target window needs a moment to see the new clipboard content
	t.sleep(t.delay)
	if err := t.paste(); err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	t.sleep(t.delay / 2)
	if err := t.enter(); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	return nil
}

type Wedge struct {
	typer Typer
	log   *slog.Logger
}

func New(typer Typer, log *slog.Logger) *Wedge {
	return &Wedge{typer: typer, log: log.With(logging.ComponentKey, "wedge")}
}

// Run types every saved measurement until ctx is done.
func (w *Wedge) Run(ctx context.Context, events *bench.Bus[types.Event]) {
	ch, cancel := events.Subscribe(16)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != types.EventSaved || ev.Measurement == nil {
				continue
			}
			text := Format(*ev.Measurement)
			if err := w.typer.Type(text); err != nil {
				w.log.Error("typing measurement failed", "serial", ev.Measurement.SerialNumber, "error", err)
				continue
			}
			w.log.Info("measurement typed", "serial", ev.Measurement.SerialNumber, "text", text)
		}
	}
}
