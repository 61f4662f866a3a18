// Package logging wraps log/slog with the six-level log callback ABI
// (error, warn, info, debug, debug2, spew), descended directly from
// util/logger.LogHandler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// The spec's six log levels, mapped onto slog.Level values spaced
// apart enough to interleave with slog's own four built-in levels.
// Debug2 and Spew sit below slog.LevelDebug so they stay silent unless
// a handler opts all the way in.
const (
	LevelSpew   slog.Level = -8
	LevelDebug2 slog.Level = -6
	LevelDebug  slog.Level = slog.LevelDebug
	LevelInfo   slog.Level = slog.LevelInfo
	LevelWarn   slog.Level = slog.LevelWarn
	LevelError  slog.Level = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelSpew:   "SPEW",
	LevelDebug2: "DEBUG2",
}

// Handler is a slog.Handler that serializes through a shared mutex and
// mirrors everything at warn-or-above to stderr even when writing its
// primary output elsewhere, matching LogHandler.Handle's split.
type Handler struct {
	out   io.Writer
	h     slog.Handler
	mu    *sync.Mutex
	debug bool
}

// NewHandler builds a Handler writing to out at the given minimum
// level. debug, if true, mirrors every record to stderr regardless of
// level; otherwise only warn-and-above are mirrored.
func NewHandler(out io.Writer, level slog.Level, debug bool) *Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey {
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				if name, ok := levelNames[lvl]; ok {
					a.Value = slog.StringValue(name)
				}
			}
		}
		return a
	}
	return &Handler{
		out: out,
		h: slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replace,
		}),
		mu:    &sync.Mutex{},
		debug: debug,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, h: h.h.WithAttrs(attrs), mu: h.mu, debug: h.debug}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, h: h.h.WithGroup(name), mu: h.mu, debug: h.debug}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	level := levelName(r.Level) + ":"
	formattedTime := r.Time.Format("2006/01/02 15:04:05")

	strs := []string{formattedTime, level, r.Message}
	if r.NumAttrs() != 0 {
		r.Attrs(func(a slog.Attr) bool {
			strs = append(strs, a.Value.String())
			return true
		})
	}
	b := []byte(strings.Join(strs, " ") + "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(b)
	}
	if h.debug || r.Level >= LevelWarn {
		_, err = os.Stderr.Write(b)
	}
	return err
}

func levelName(l slog.Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return l.String()
}

// SetDebug toggles whether every record, regardless of level, is
// mirrored to stderr.
func (h *Handler) SetDebug(debug bool) { h.debug = debug }

// New returns a *slog.Logger backed by a Handler at the requested
// level, the constructor call sites use instead of slog.New directly.
func New(out io.Writer, level slog.Level, debug bool) *slog.Logger {
	return slog.New(NewHandler(out, level, debug))
}

// Spew and Debug2 are convenience wrappers since slog.Logger has no
// method for levels below Debug.
func Spew(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelSpew, msg, args...)
}

func Debug2(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelDebug2, msg, args...)
}
