// Package logging builds the slog logger shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a logger writing to stderr in the given format ("json" or
// text). debug lowers the level to Debug.
func New(format string, debug bool) *slog.Logger {
	return NewWithWriter(os.Stderr, format, debug)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, format string, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
