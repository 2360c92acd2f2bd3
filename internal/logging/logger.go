// File: internal/logging/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide structured logger. Hot completion-dispatch paths never log
// on the success path; this wraps zerolog for the debug/warn/error paths
// that do.

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is a thin, leveled wrapper kept so call sites never import
// zerolog directly and a future sink swap stays local to this file.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger writing to w at the given minimum level
// ("debug", "info", "warn", "error"; unrecognized values fall back to "info").
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{z: zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()}
}

// Default returns a Logger writing to stdout at info level, used where no
// explicit configuration has been wired yet (early bootstrap, tests).
func Default() *Logger {
	return New(os.Stdout, "info")
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// With returns a Logger whose events all carry the given shard field,
// matching the per-shard log-line tagging used throughout the worker loops.
func (l *Logger) With(field string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(field, value).Logger()}
}
