// Package observability holds the process-wide structured logger.
package observability

import "sync/atomic"

// Logger is the structured logging surface used across tradegate packages.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerBox struct{ Logger }

var current atomic.Pointer[loggerBox]

func init() {
	current.Store(&loggerBox{noopLogger{}})
}

// SetLogger installs the process logger. nil restores the silent default.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	current.Store(&loggerBox{logger})
}

// Log returns the process logger. It is safe to call from any goroutine.
func Log() Logger {
	return current.Load().Logger
}

// With returns a logger that appends fields to every line written through it.
func With(logger Logger, fields ...Field) Logger {
	if len(fields) == 0 {
		return logger
	}
	return boundLogger{next: logger, fields: fields}
}

type boundLogger struct {
	next   Logger
	fields []Field
}

func (l boundLogger) merge(extra []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(extra))
	out = append(out, l.fields...)
	return append(out, extra...)
}

func (l boundLogger) Debug(msg string, fields ...Field) { l.next.Debug(msg, l.merge(fields)...) }
func (l boundLogger) Info(msg string, fields ...Field)  { l.next.Info(msg, l.merge(fields)...) }
func (l boundLogger) Warn(msg string, fields ...Field)  { l.next.Warn(msg, l.merge(fields)...) }
func (l boundLogger) Error(msg string, fields ...Field) { l.next.Error(msg, l.merge(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
