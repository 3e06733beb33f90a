package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phsym/console-slog"

	"leakbench/types"
)

// ComponentKey is the attribute every component adds with Logger.With.
const ComponentKey = "component"

type Options struct {
	Level  string
	Format string // console | json
	Output io.Writer
	Hub    *Hub
}

// New builds the process logger. Records go to the console (console-slog)
// or as JSON lines with a "ts" time key, and are copied to the hub when one
// is given.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := &slog.LevelVar{}
	level.Set(ParseLevel(opts.Level))

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})
	} else {
		handler = console.NewHandler(out, &console.HandlerOptions{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})
	}

	if opts.Hub != nil {
		handler = &teeHandler{handlers: []slog.Handler{handler, &hubHandler{hub: opts.Hub, level: level}}}
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: hs}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: hs}
}

// hubHandler renders records into the flat LogMessage shape the web log
// view understands.
type hubHandler struct {
	hub    *Hub
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *hubHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *hubHandler) Handle(_ context.Context, r slog.Record) error {
	component := "system"
	var b strings.Builder
	b.WriteString(r.Message)

	add := func(prefix string, a slog.Attr) {
		if a.Key == ComponentKey && prefix == "" {
			component = a.Value.String()
			return
		}
		fmt.Fprintf(&b, " %s%s=%v", prefix, a.Key, a.Value.Resolve().Any())
	}
	for _, a := range h.attrs {
		add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.prefix, a)
		return true
	})

	h.hub.Broadcast(types.LogMessage{
		Time:    r.Time.Format("15:04:05"),
		Level:   r.Level.String(),
		Message: b.String(),
		Type:    component,
	})
	return nil
}

func (h *hubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *hubHandler) WithGroup(name string) slog.Handler {
	n := *h
	n.prefix = h.prefix + name + "."
	return &n
}
