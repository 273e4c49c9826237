// Package logging provides structured JSON logging with trace correlation.
// Entries are built fluently and written to stdout as single-line JSON.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/driftlock/hookrelay/internal/tracing"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Entry is one structured log record.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      Level          `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	EndpointID string         `json:"endpoint_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	out io.Writer
}

// Logger stamps entries with a service name.
type Logger struct {
	service string
	out     io.Writer
}

// New creates a logger for the given service, writing to stdout.
func New(service string) *Logger {
	return &Logger{service: service, out: os.Stdout}
}

// NewWithWriter creates a logger writing to w; used in tests.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

func (l *Logger) entry() *Entry {
	return &Entry{
		Time:    time.Now().UTC(),
		Service: l.service,
		out:     l.out,
	}
}

// Plain starts an entry without any context correlation.
func (l *Logger) Plain() *Entry {
	return l.entry()
}

// WithContext starts an entry carrying the trace id from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.entry()
	e.TraceID = tracing.TraceID(ctx)
	return e
}

// WithOwner sets the owner (account) id.
func (e *Entry) WithOwner(ownerID string) *Entry {
	e.OwnerID = ownerID
	return e
}

// WithEvent sets the event id.
func (e *Entry) WithEvent(eventID string) *Entry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery id.
func (e *Entry) WithDelivery(deliveryID string) *Entry {
	e.DeliveryID = deliveryID
	return e
}

// WithEndpoint sets the endpoint id.
func (e *Entry) WithEndpoint(endpointID string) *Entry {
	e.EndpointID = endpointID
	return e
}

// WithField adds one key-value pair.
func (e *Entry) WithField(key string, value any) *Entry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds several key-value pairs.
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field. Nil errors are ignored.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level.
func (e *Entry) Debug(message string) { e.log(LevelDebug, message) }

// Info logs at info level.
func (e *Entry) Info(message string) { e.log(LevelInfo, message) }

// Infof logs at info level with formatting.
func (e *Entry) Infof(format string, args ...any) { e.log(LevelInfo, fmt.Sprintf(format, args...)) }

// Warn logs at warn level.
func (e *Entry) Warn(message string) { e.log(LevelWarn, message) }

// Error logs at error level.
func (e *Entry) Error(message string) { e.log(LevelError, message) }

// Errorf logs at error level with formatting.
func (e *Entry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits.
func (e *Entry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *Entry) log(level Level, message string) {
	e.Level = level
	e.Message = message
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	w := e.out
	if w == nil {
		w = os.Stdout
	}
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(w, string(data))
}
