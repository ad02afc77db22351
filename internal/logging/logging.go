// Package logging builds the process slog.Logger and shared attribute helpers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/max-bytes/omnikeeper-sub003/internal/config"
)

// New builds a logger writing to stderr.
func New(cfg config.LogConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds a logger writing to w. Format "json" selects the JSON
// handler; anything else yields text output.
func NewWithWriter(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Scope tags log lines with the emitting component.
func Scope(name string) slog.Attr { return slog.String("scope", name) }

// Err attaches an error under the "error" key.
func Err(err error) slog.Attr { return slog.Any("error", err) }
