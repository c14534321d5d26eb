// Package logger builds the slog loggers used by the runner, the API server
// and the per-process worker logs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the application log and the worker stderr logs.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string `toml:"format" mapstructure:"format"` // text, json, color
	File       string `toml:"file" mapstructure:"file"`     // empty: stderr
	WorkerDir  string `toml:"worker_dir" mapstructure:"worker_dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	ShowTime   bool   `toml:"show_time" mapstructure:"show_time"`
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Output returns the application log destination.
func (c Config) Output() io.Writer {
	if c.File == "" {
		return os.Stderr
	}
	return c.rotating(c.File)
}

// WorkerLog returns a rotating file receiving the stderr of the worker for
// pid: <WorkerDir>/<pid>.stderr.log.
func (c Config) WorkerLog(pid string) (io.WriteCloser, error) {
	if err := os.MkdirAll(c.WorkerDir, 0o750); err != nil {
		return nil, err
	}
	return c.rotating(filepath.Join(c.WorkerDir, pid+".stderr.log")), nil
}

// ParseLevel maps a level name to slog; unknown names mean info.
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

// New builds a logger writing to w, or to c.Output() when w is nil.
func New(c Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = c.Output()
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, c.ShowTime)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
