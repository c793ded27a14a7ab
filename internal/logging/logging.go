// Package logging builds the process logger: coloured human-readable lines
// on the terminal plus timestamped lines appended to a persistent log file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Options controls Setup.
type Options struct {
	Level slog.Level
	// File is appended to; empty disables file logging.
	File string
	// Terminal receives the human-readable stream. Defaults to os.Stdout.
	Terminal *os.File
}

// Setup installs the default slog logger and returns a closer for the log
// file. A log file that cannot be opened is reported on the terminal and
// otherwise ignored.
func Setup(opts Options) (io.Closer, error) {
	out := opts.Terminal
	if out == nil {
		out = os.Stdout
	}

	handlers := []slog.Handler{
		tint.NewHandler(out, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.DateTime,
			NoColor:    !IsTerminal(out.Fd()),
		}),
	}

	var closer io.Closer = nopCloser{}
	var openErr error
	if opts.File != "" {
		f, err := openAppend(opts.File)
		if err != nil {
			openErr = err
		} else {
			closer = f
			handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: opts.Level}))
		}
	}

	slog.SetDefault(slog.New(NewFanout(handlers...)))
	if openErr != nil {
		slog.Warn("Log file unavailable, logging to terminal only", "file", opts.File, "error", openErr)
	}
	return closer, openErr
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Fanout is a slog.Handler that forwards every record to all of its
// handlers that are enabled for the record's level.
type Fanout struct {
	handlers []slog.Handler
}

func NewFanout(handlers ...slog.Handler) *Fanout {
	return &Fanout{handlers: handlers}
}

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *Fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &Fanout{handlers: next}
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &Fanout{handlers: next}
}
