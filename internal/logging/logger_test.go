package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	logger := New("notifier-worker")
	if logger == nil {
		t.Fatal("New() returned nil logger")
	}
	if logger.service != "notifier-worker" {
		t.Errorf("New() service = %q, want notifier-worker", logger.service)
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	t.Run("context without span has no trace id", func(t *testing.T) {
		entry := New("test").WithContext(context.Background())
		if entry.TraceID != "" {
			t.Errorf("TraceID = %q, want empty", entry.TraceID)
		}
	})

	t.Run("context with span carries the trace id", func(t *testing.T) {
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		entry := New("test").WithContext(ctx)
		if entry.TraceID == "" {
			t.Error("TraceID is empty for a traced context")
		}
		if entry.TraceID != span.SpanContext().TraceID().String() {
			t.Errorf("TraceID = %q, want %q", entry.TraceID, span.SpanContext().TraceID().String())
		}
	})
}

func TestLogEntry_FluentSetters(t *testing.T) {
	entry := New("test").Plain().
		WithEntity("work", "rec-123").
		WithEvent("ev-1").
		WithEndpoint("https://hub.example.org/api").
		WithMethod("publish").
		WithField("attempt", 3).
		WithError(errors.New("boom"))

	if entry.EntityType != "work" || entry.EntityID != "rec-123" {
		t.Errorf("entity = %s/%s", entry.EntityType, entry.EntityID)
	}
	if entry.EventID != "ev-1" {
		t.Errorf("EventID = %q", entry.EventID)
	}
	if entry.Endpoint != "https://hub.example.org/api" {
		t.Errorf("Endpoint = %q", entry.Endpoint)
	}
	if entry.Method != "publish" {
		t.Errorf("Method = %q", entry.Method)
	}
	if entry.Fields["attempt"] != 3 {
		t.Errorf("Fields[attempt] = %v", entry.Fields["attempt"])
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("Fields[error] = %v", entry.Fields["error"])
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	entry := New("test").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("WithError(nil) added an error field")
	}
}

func TestLogEntry_Output(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	outputChan := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outputChan <- buf.String()
	}()

	New("notifier-worker").Plain().
		WithEntity("work", "rec-123").
		WithField("attempt", 2).
		Warn("delivery attempt failed")

	w.Close()
	output := <-outputChan

	var got LogEntry
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, output)
	}
	if got.Level != LevelWarn {
		t.Errorf("Level = %q, want warn", got.Level)
	}
	if got.Message != "delivery attempt failed" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.Service != "notifier-worker" {
		t.Errorf("Service = %q", got.Service)
	}
	if got.EntityType != "work" || got.EntityID != "rec-123" {
		t.Errorf("entity = %s/%s", got.EntityType, got.EntityID)
	}
	if got.Fields["attempt"] != float64(2) {
		t.Errorf("Fields[attempt] = %v", got.Fields["attempt"])
	}
}

func TestLogEntry_FormattedMethods(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	outputChan := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outputChan <- buf.String()
	}()

	New("test").Plain().Infof("delivered after %d attempts", 3)

	w.Close()
	output := <-outputChan

	var got LogEntry
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.Message != "delivered after 3 attempts" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.Level != LevelInfo {
		t.Errorf("Level = %q, want info", got.Level)
	}
}
