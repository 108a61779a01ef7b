// Package observability provides the logging and tracing surface shared
// by every engine component. Components receive a Logger in their
// constructor; none write to the standard log package directly.
package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel defines log message severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "FATAL":
		return LogLevelFatal
	default:
		return LogLevelInfo
	}
}

// Logger is the logging interface every component depends on.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithPrefix returns a logger whose lines carry the given component
	// prefix. With returns a logger that appends fields to every line.
	WithPrefix(prefix string) Logger
	With(fields map[string]interface{}) Logger
}

// StandardLogger writes human-readable lines through the standard log
// package (stderr by default).
type StandardLogger struct {
	prefix string
	level  LogLevel
	base   map[string]interface{}
	out    *log.Logger
}

// NewStandardLogger creates a StandardLogger for the given component
// prefix at INFO level.
func NewStandardLogger(prefix string) *StandardLogger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		out:    log.New(os.Stderr, "", 0),
	}
}

// WithLevel returns a copy of the logger with the given minimum level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	cp := *l
	cp.level = level
	return &cp
}

func (l *StandardLogger) enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelDebug) {
		l.emit(LogLevelDebug, msg, fields)
	}
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelInfo) {
		l.emit(LogLevelInfo, msg, fields)
	}
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.enabled(LogLevelWarn) {
		l.emit(LogLevelWarn, msg, fields)
	}
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.emit(LogLevelError, msg, fields)
}

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.emit(LogLevelFatal, msg, fields)
	os.Exit(1)
}

func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...), nil)
}

func (l *StandardLogger) WithPrefix(prefix string) Logger {
	cp := *l
	cp.prefix = prefix
	return &cp
}

func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	cp := *l
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	cp.base = merged
	return &cp
}

func (l *StandardLogger) emit(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", timestamp, level, l.prefix, msg)
	writeFields(&b, l.base)
	writeFields(&b, fields)
	l.out.Print(b.String())
}

// writeFields appends key=value pairs in sorted key order so lines are
// stable across runs.
func writeFields(b *strings.Builder, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

// NoopLogger discards everything; used in tests and as a safe default.
type NoopLogger struct{}

// NewNoopLogger creates a logger that drops all output.
func NewNoopLogger() Logger { return &NoopLogger{} }

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger           { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }
