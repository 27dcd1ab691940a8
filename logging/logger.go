// Package logging provides the leveled logger interface used throughout
// the bridge. Every subsystem takes a Logger at construction; only cmd/
// talks to the standard log package directly.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is the common logging interface implemented by every subsystem
// dependency in this module.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// Level is a logging severity threshold.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps common environment-variable spellings to a Level,
// defaulting to LevelWarn for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "d", "debug":
		return LevelDebug
	case "i", "info":
		return LevelInfo
	case "w", "warn", "warning":
		return LevelWarn
	case "e", "err", "error":
		return LevelError
	default:
		return LevelWarn
	}
}

// FromEnv builds a Logger named name whose threshold is read from the
// named environment variable (LevelWarn if unset or unrecognized).
func FromEnv(name, envKey string) *StdLogger {
	return New(name, ParseLevel(os.Getenv(envKey)))
}

// New returns a Logger that writes through the standard library's log
// package, prefixed with name and filtered to lvl and above.
func New(name string, lvl Level) *StdLogger {
	return &StdLogger{
		name: name,
		lvl:  lvl,
		out:  log.New(os.Stderr, "", log.LstdFlags),
	}
}

// StdLogger is the default Logger implementation, backed by log.Logger.
type StdLogger struct {
	name string
	lvl  Level
	out  *log.Logger
}

var _ Logger = (*StdLogger)(nil)

func (l *StdLogger) Errorf(format string, v ...interface{}) { l.logf(LevelError, format, v...) }
func (l *StdLogger) Warnf(format string, v ...interface{})  { l.logf(LevelWarn, format, v...) }
func (l *StdLogger) Infof(format string, v ...interface{})  { l.logf(LevelInfo, format, v...) }
func (l *StdLogger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }

func (l *StdLogger) logf(lvl Level, format string, v ...interface{}) {
	if lvl > l.lvl {
		return
	}
	l.out.Printf("%s [%s] %s", l.name, lvl, fmt.Sprintf(format, v...))
}

// Nop is a Logger that discards everything, useful in tests.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}
