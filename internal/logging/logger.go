package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Logger provides structured logging with trace correlation. A Logger is built
// once per process and handed to the components that log.
type Logger struct {
	service string
	zl      zerolog.Logger
}

// LogEntry accumulates fields for a single log line
type LogEntry struct {
	logger    *Logger
	traceID   string
	spanID    string
	ownerID   string
	issueID   string
	recipient string
	fields    map[string]any
	err       error
}

// New creates a JSON logger for the given service writing to w at the given
// level (debug, info, warn, error). Unknown levels fall back to info.
func New(service string, w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return &Logger{service: service, zl: zl}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

// Zerolog exposes the underlying logger for libraries that want one
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Output lets the logger back clients that log through a
// Output(calldepth, message) interface, such as go-nsq
func (l *Logger) Output(_ int, s string) error {
	l.zl.Info().Str("component", "nsq").Msg(strings.TrimSpace(s))
	return nil
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.traceID = traceID
		if sc := oteltrace.SpanContextFromContext(ctx); sc.HasSpanID() {
			entry.spanID = sc.SpanID().String()
		}
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.traceID = traceID
	return e
}

// WithOwner sets the owner (publishing principal) for the log entry
func (e *LogEntry) WithOwner(ownerID string) *LogEntry {
	e.ownerID = ownerID
	return e
}

// WithIssue sets the newsletter issue ID for the log entry
func (e *LogEntry) WithIssue(issueID string) *LogEntry {
	e.issueID = issueID
	return e
}

// WithRecipient sets the delivery recipient for the log entry
func (e *LogEntry) WithRecipient(recipient string) *LogEntry {
	e.recipient = recipient
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.err = err
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.output(zerolog.DebugLevel, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.output(zerolog.InfoLevel, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.output(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.output(zerolog.WarnLevel, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.output(zerolog.ErrorLevel, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(zerolog.FatalLevel, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) output(level zerolog.Level, message string) {
	ev := e.logger.zl.WithLevel(level)
	if ev == nil {
		// level disabled
		return
	}
	if e.traceID != "" {
		ev = ev.Str("trace_id", e.traceID)
	}
	if e.spanID != "" {
		ev = ev.Str("span_id", e.spanID)
	}
	if e.ownerID != "" {
		ev = ev.Str("owner_id", e.ownerID)
	}
	if e.issueID != "" {
		ev = ev.Str("issue_id", e.issueID)
	}
	if e.recipient != "" {
		ev = ev.Str("recipient", e.recipient)
	}
	if e.err != nil {
		ev = ev.Err(e.err)
	}
	if len(e.fields) > 0 {
		ev = ev.Fields(e.fields)
	}
	ev.Msg(message)
}
