// Package logger builds the process logger: zerolog to stderr (JSON or
// console) plus an optional append-only run log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	File      string // run log; appended to, created if missing
	Job       string
	Component string
}

// Logger is a zerolog.Logger that may own a file.
type Logger struct {
	zerolog.Logger
	file *os.File
	path string
}

// Build returns a logger writing to out (os.Stderr when nil) and, when
// cfg.File is set, to that file as JSON.
func Build(cfg Config, out io.Writer) (*Logger, error) {
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	w := out
	if cfg.File != "" {
		abs, err := filepath.Abs(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("log file %q: %w", cfg.File, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file, l.path = f, abs
		w = zerolog.MultiLevelWriter(out, f)
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Job != "" {
		ctx = ctx.Str("job", cfg.Job)
	}
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	l.Logger = ctx.Logger()
	return l, nil
}

// ParseLevel maps debug|info|warn|error to a zerolog level; anything else is info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Path is the absolute path of the run log, or "" when logging to stderr only.
func (l *Logger) Path() string { return l.path }

// Close closes the run log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
