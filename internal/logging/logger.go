// Package logging provides structured logging for the document inference runtime.
// It keeps a small field-map API on top of logrus so call sites stay uniform.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured logging
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr)
	})
	return defaultLogger
}

// New creates a new logger writing human-readable lines to output.
func New(output io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(io.Discard)
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) *Logger {
	l.base.SetLevel(level.logrusLevel())
	return l
}

// SetLevelFromString sets level from string (debug, info, warn, error).
// Unknown values leave the level unchanged.
func (l *Logger) SetLevelFromString(level string) *Logger {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return l
	}
	l.base.SetLevel(parsed)
	return l
}

// SetJSON enables JSON output mode
func (l *Logger) SetJSON(enabled bool) *Logger {
	if enabled {
		l.base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	}
	return l
}

// SetOutput redirects the logger (and every logger derived via With).
func (l *Logger) SetOutput(w io.Writer) *Logger {
	l.base.SetOutput(w)
	return l
}

// With returns a new logger with additional fields
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(logrus.Fields(fields))}
}

// Component is shorthand for With(map[string]any{"component": name}).
func (l *Logger) Component(name string) *Logger {
	return l.With(map[string]any{"component": name})
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.withFields(fields).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.withFields(fields).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.withFields(fields).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.withFields(fields).Error(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...any) {
	l.entry.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...any) {
	l.entry.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...any) {
	l.entry.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) withFields(fields []map[string]any) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	merged := logrus.Fields{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return l.entry.WithFields(merged)
}

// Package-level convenience functions using the default logger

// Debug logs a debug message
func Debug(msg string, fields ...map[string]any) {
	Default().Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...map[string]any) {
	Default().Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...map[string]any) {
	Default().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...map[string]any) {
	Default().Error(msg, fields...)
}

// SetLevel sets the default logger level
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// SetJSON enables JSON mode on the default logger
func SetJSON(enabled bool) {
	Default().SetJSON(enabled)
}
