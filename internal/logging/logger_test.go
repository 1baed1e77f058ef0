package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "test-service",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
		{
			name:        "create logger with complex service name",
			serviceName: "postroom-worker-v2.1.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	// Set up test tracer for trace ID extraction
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				tracer := otel.Tracer("test-tracer")
				newCtx, span := tracer.Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry == nil {
				t.Fatal("WithContext() returned nil entry")
			}
			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time = %v, not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID empty, want trace ID from active span")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentSetters(t *testing.T) {
	entry := New("test").Plain().
		WithEmail("em_123").
		WithMessageID("msg_abc").
		WithProvider("smtp").
		WithField("attempt", 2)

	if entry.EmailID != "em_123" {
		t.Errorf("EmailID = %q, want %q", entry.EmailID, "em_123")
	}
	if entry.MessageID != "msg_abc" {
		t.Errorf("MessageID = %q, want %q", entry.MessageID, "msg_abc")
	}
	if entry.Provider != "smtp" {
		t.Errorf("Provider = %q, want %q", entry.Provider, "smtp")
	}
	if got := entry.Fields["attempt"]; got != 2 {
		t.Errorf("Fields[attempt] = %v, want 2", got)
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{name: "non-nil error is recorded", err: io.ErrUnexpectedEOF, wantField: true},
		{name: "nil error adds nothing", err: nil, wantField: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test").Plain().WithError(tt.err)
			_, ok := entry.Fields["error"]
			if ok != tt.wantField {
				t.Errorf("Fields[error] present = %v, want %v", ok, tt.wantField)
			}
			if tt.wantField && entry.Fields["error"] != tt.err.Error() {
				t.Errorf("Fields[error] = %v, want %q", entry.Fields["error"], tt.err.Error())
			}
		})
	}
}

func TestLogEntry_OutputJSON(t *testing.T) {
	// Capture stdout while the entry writes itself
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error: %v", err)
	}
	os.Stdout = w

	New("postroom-worker").Plain().
		WithEmail("em_42").
		WithMessageID("msg_42").
		WithField("delay", "5s").
		Info("requeue email")

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("reading captured output: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var decoded LogEntry
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (line=%q)", err, line)
	}

	if decoded.Level != LevelInfo {
		t.Errorf("Level = %q, want %q", decoded.Level, LevelInfo)
	}
	if decoded.Message != "requeue email" {
		t.Errorf("Message = %q, want %q", decoded.Message, "requeue email")
	}
	if decoded.Service != "postroom-worker" {
		t.Errorf("Service = %q, want %q", decoded.Service, "postroom-worker")
	}
	if decoded.EmailID != "em_42" {
		t.Errorf("EmailID = %q, want %q", decoded.EmailID, "em_42")
	}
	if decoded.Fields["delay"] != "5s" {
		t.Errorf("Fields[delay] = %v, want %q", decoded.Fields["delay"], "5s")
	}
}

func TestSetDefaultService(t *testing.T) {
	defer SetDefaultService("postroom")

	SetDefaultService("postroom-api")
	entry := Plain()
	if entry.Service != "postroom-api" {
		t.Errorf("Plain() Service = %q, want %q", entry.Service, "postroom-api")
	}
}
