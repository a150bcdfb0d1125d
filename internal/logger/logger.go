// Package logger holds the process-wide structured logger. The CLI configures
// it once through Init; simulation code logs through the level functions.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Config selects the minimum level, the encoding and the destination.
type Config struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // text, json
	Output string `json:"output" yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

var (
	level  = new(slog.LevelVar)
	active atomic.Pointer[slog.Logger]

	mu     sync.Mutex // guards out and format
	out    io.Writer = os.Stderr
	format = "text"
)

func init() {
	rebuild()
}

// rebuild installs a handler for the current destination and format. The
// level is read through the shared LevelVar so it is not captured here.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(out, opts)
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	}
	active.Store(slog.New(h))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

func openOutput(dest string) (io.Writer, error) {
	switch strings.ToLower(dest) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", dest, err)
	}
	return f, nil
}

// Init applies cfg. Empty fields keep their current setting; unknown levels
// and formats are ignored.
func Init(cfg Config) error {
	if cfg.Output != "" {
		w, err := openOutput(cfg.Output)
		if err != nil {
			return err
		}
		mu.Lock()
		out = w
		mu.Unlock()
	}
	if lvl, ok := parseLevel(cfg.Level); ok {
		level.Set(lvl)
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		mu.Lock()
		format = f
		mu.Unlock()
	}
	rebuild()
	return nil
}

func Debug(msg string, args ...any) { active.Load().Debug(msg, args...) }
func Info(msg string, args ...any)  { active.Load().Info(msg, args...) }
func Warn(msg string, args ...any)  { active.Load().Warn(msg, args...) }
func Error(msg string, args ...any) { active.Load().Error(msg, args...) }
