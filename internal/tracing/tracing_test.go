package tracing

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	if p.Tracer() == nil {
		t.Fatal("Expected a tracer from a disabled provider")
	}

	ctx, span := TracePosition(context.Background(), p.Tracer(), "save")
	AddEvent(ctx, "event")
	RecordError(ctx, context.Canceled)
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestFlushSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := TraceFlush(context.Background(), tp.Tracer("test"), "node-1", 3, 42)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "forwarder.flush" {
		t.Errorf("Unexpected span name %s", spans[0].Name())
	}

	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "event.count" && attr.Value.AsInt64() == 3 {
			found = true
		}
	}
	if !found {
		t.Error("Expected event.count attribute on flush span")
	}
}

func TestSpanHelpersUseContextSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := TracePosition(context.Background(), tp.Tracer("test"), "restore")
	AddEvent(ctx, "position.loaded")
	RecordError(ctx, errors.New("unavailable"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "position.restore" {
		t.Errorf("Unexpected span name %s", spans[0].Name())
	}

	events := spans[0].Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 span events, got %d", len(events))
	}
	if events[0].Name != "position.loaded" {
		t.Errorf("Unexpected first event %s", events[0].Name)
	}
	// RecordError is stored as an "exception" event
	if events[1].Name != "exception" {
		t.Errorf("Expected exception event, got %s", events[1].Name)
	}
}
