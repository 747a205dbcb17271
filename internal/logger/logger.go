package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes how a loopr process logs.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format string     `mapstructure:"format"` // text or json (default text)
	Color  bool       `mapstructure:"color"`  // colour level names in text output
	File   FileConfig `mapstructure:"file"`
}

// FileConfig describes per-schedule log files.
// If StdoutPath/StderrPath are empty and Dir is set, the structured log of a
// schedule goes to Dir/<name>.log, the agent transcript to Dir/<name>.out
// and raw process output to Dir/<name>.stdio.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`          // base directory for logs
	StdoutPath string `mapstructure:"stdout"`       // explicit structured log path overrides Dir
	StderrPath string `mapstructure:"stderr"`       // explicit raw output path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// ScheduleWriters returns rotating writers for the structured log and the
// raw output of the named schedule. Either may be nil when not configured.
func (c FileConfig) ScheduleWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	logPath := c.StdoutPath
	outPath := c.StderrPath
	if logPath == "" && c.Dir != "" {
		logPath = filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	}
	if outPath == "" && c.Dir != "" {
		outPath = filepath.Join(c.Dir, fmt.Sprintf("%s.out", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var logW io.WriteCloser
	var outW io.WriteCloser
	if logPath != "" {
		logW = c.rotating(logPath)
	}
	if outPath != "" {
		outW = c.rotating(outPath)
	}
	return logW, outW, nil
}

// OutputPath is where the raw stdout/stderr of a detached schedule process
// is appended: the transcript path with a .stdio extension. It must never
// be a rotated file, since the child's inherited descriptor follows the
// file it opened. Empty when no log destination is configured.
func (c FileConfig) OutputPath(name string) string {
	out := c.StderrPath
	if out == "" {
		if c.Dir == "" {
			return ""
		}
		out = filepath.Join(c.Dir, name+".out")
	}
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".stdio"
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to Info.
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

// New builds a logger writing to w according to cfg.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color:
		h = NewColorTextHandler(w, opts, true)
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
