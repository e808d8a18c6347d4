package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents log severity
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps debug, info, warn and error to a LogLevel; anything else is info
func ParseLevel(s string) LogLevel {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i)
		}
	}
	return LevelInfo
}

// sink is the destination shared by a logger and every logger derived from it
type sink struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

// Logger writes one line per entry: time, level, caller, message, then sorted key=value fields
type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// NewLogger creates a logger writing to out
func NewLogger(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		sink:   &sink{out: out, minLevel: minLevel},
		fields: map[string]interface{}{},
	}
}

// GetLogger returns the process logger; LOG_LEVEL sets its level until Configure is called
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		defaultLogger = NewLogger(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")))
	})
	return defaultLogger
}

// Configure changes the level and, when out is non-nil, the destination of the process logger
func Configure(level LogLevel, out io.Writer) {
	s := GetLogger().sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minLevel = level
	if out != nil {
		s.out = out
	}
}

// WithField returns a logger with the field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger with the fields added
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{sink: l.sink, fields: merged}
}

// WithContext returns a logger carrying the trace and span ids of ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l
	}
	return l.WithFields(map[string]interface{}{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	})
}

func (l *Logger) Debug(msg string) {
	l.log(LevelDebug, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(msg string) {
	l.log(LevelInfo, msg)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(msg string) {
	l.log(LevelWarn, msg)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(msg string) {
	l.log(LevelError, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level LogLevel, msg string) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level < l.sink.minLevel {
		return
	}

	// Skip log and the exported wrapper; package-level helpers add one more frame
	depth := 2
	_, file, line, ok := runtime.Caller(depth)
	if ok && strings.HasSuffix(file, "observability/logger.go") {
		_, file, line, _ = runtime.Caller(depth + 1)
	}
	file = file[strings.LastIndex(file, "/")+1:]

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s:%d %s",
		time.Now().Format("2006/01/02 15:04:05"), level, file, line, msg)

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(l.fields[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	b.WriteByte('\n')

	_, _ = io.WriteString(l.sink.out, b.String())
}

// Package-level helpers log through the process logger

func Debug(msg string) {
	GetLogger().Debug(msg)
}

func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

func Info(msg string) {
	GetLogger().Info(msg)
}

func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

func Warn(msg string) {
	GetLogger().Warn(msg)
}

func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

func Error(msg string) {
	GetLogger().Error(msg)
}

func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// WithField returns a process logger with the field
func WithField(key string, value interface{}) *Logger {
	return GetLogger().WithField(key, value)
}

// WithFields returns a process logger with the fields
func WithFields(fields map[string]interface{}) *Logger {
	return GetLogger().WithFields(fields)
}

// WithContext returns a process logger with trace context
func WithContext(ctx context.Context) *Logger {
	return GetLogger().WithContext(ctx)
}

// Span attributes shared by handlers and services

func UserID(id string) attribute.KeyValue {
	return attribute.String("user_id", id)
}

func NodeID(id string) attribute.KeyValue {
	return attribute.String("node_id", id)
}

func DeviceID(id string) attribute.KeyValue {
	return attribute.String("device_id", id)
}

func Epoch(epoch int64) attribute.KeyValue {
	return attribute.Int64("allow_list.epoch", epoch)
}
