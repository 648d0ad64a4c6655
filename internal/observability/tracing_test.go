package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil tracer")
	}
	if tracer.provider != nil {
		t.Error("expected no SDK provider without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestTracerStartAndRecordError(t *testing.T) {
	tracer, _ := NewTracer(TraceConfig{})

	ctx, span := tracer.Start(context.Background(), "agent.turn", attribute.String("session_id", "s1"))
	if ctx == nil || span == nil {
		t.Fatal("Start() returned nil")
	}
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}
