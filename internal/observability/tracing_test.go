package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "wunder-test"})
	defer shutdown(context.Background())

	if tracer == nil {
		t.Fatal("NewTracer returned nil")
	}

	// No-op tracer still produces usable spans.
	ctx, span := tracer.TraceRequest(context.Background(), "u1", "s1", true)
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	tracer.SetAttributes(span, "round", 1, "tool", "read")
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()
}

func TestTracerSpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx := context.Background()

	_, span := tracer.TraceLLMRequest(ctx, "openai", "gpt-4o", 2)
	span.End()

	_, span = tracer.TraceToolExecution(ctx, "execute")
	span.End()

	_, span = tracer.TraceCompaction(ctx, "history_usage")
	span.End()
}
