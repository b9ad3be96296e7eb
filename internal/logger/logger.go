// Package logger is a small leveled wrapper around the standard log.Logger.
// Lines look like "[tag] WARN: message"; info lines carry no level label.
package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// LogLevel orders verbosity. A logger prints every line at or below its level.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

var levelNames = map[string]LogLevel{
	"":        LogLevelInfo,
	"info":    LogLevelInfo,
	"none":    LogLevelNone,
	"off":     LogLevelNone,
	"error":   LogLevelError,
	"warn":    LogLevelWarning,
	"warning": LogLevelWarning,
	"debug":   LogLevelDebug,
}

// labels printed after the tag
var levelLabels = map[LogLevel]string{
	LogLevelError:   "ERROR: ",
	LogLevelWarning: "WARN: ",
	LogLevelDebug:   "DEBUG: ",
}

// ParseLevel accepts the LOG_LEVEL spellings, case-insensitive.
func ParseLevel(s string) (LogLevel, error) {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

type Logger struct {
	out    *log.Logger
	level  LogLevel
	prefix string
}

func NewLogger(out *log.Logger, level LogLevel) *Logger {
	return &Logger{out: out, level: level}
}

// Discard is a silent logger for tests and optional collaborators.
func Discard() *Logger {
	return NewLogger(log.New(io.Discard, "", 0), LogLevelNone)
}

// WithTag returns a sibling logger whose lines start with "[tag] ".
// Tags replace each other rather than nest.
func (l *Logger) WithTag(tag string) *Logger {
	c := *l
	c.prefix = ""
	if tag != "" {
		c.prefix = "[" + tag + "] "
	}
	return &c
}

func (l *Logger) Level() LogLevel { return l.level }

func (l *Logger) logf(lvl LogLevel, format string, v []any) {
	if l.level < lvl {
		return
	}
	l.out.Printf(l.prefix+levelLabels[lvl]+format, v...)
}

func (l *Logger) Debugf(format string, v ...any) { l.logf(LogLevelDebug, format, v) }
func (l *Logger) Infof(format string, v ...any)  { l.logf(LogLevelInfo, format, v) }
func (l *Logger) Warnf(format string, v ...any)  { l.logf(LogLevelWarning, format, v) }
func (l *Logger) Errorf(format string, v ...any) { l.logf(LogLevelError, format, v) }

// Fatalf logs regardless of level and exits.
func (l *Logger) Fatalf(format string, v ...any) {
	l.out.Fatalf(l.prefix+"FATAL: "+format, v...)
}
