package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ColorTextHandler writes slog text records behind an ANSI colored level.
// The prefix goes straight to the writer because TextHandler escapes
// control characters inside keys and values.
type ColorTextHandler struct {
	inner    slog.Handler
	showTime bool
	out      *colorOutput
}

type colorOutput struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	out := &colorOutput{w: w}
	return &ColorTextHandler{
		inner:    slog.NewTextHandler(&out.buf, &o),
		showTime: showTime,
		out:      out,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.showTime {
		r.Time = time.Time{}
	}
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	h.out.buf.WriteString(levelColor(r.Level) + r.Level.String() + "\033[0m ")
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.out.w.Write(h.out.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), showTime: h.showTime, out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), showTime: h.showTime, out: h.out}
}
