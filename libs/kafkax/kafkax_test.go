package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}

func TestExtractEventMeta_FallsBackToKeyAndTopic(t *testing.T) {
	meta := ExtractEventMeta(kafka.Message{Topic: "identity.doctor.deleted.v1", Key: []byte("42")})
	if meta.EventID != "42" || meta.EventType != "identity.doctor.deleted.v1" {
		t.Fatalf("unexpected meta %+v", meta)
	}

	msg := NewEventMessage("schedule.slots.generated.v1", "7", []byte(`{}`))
	meta = ExtractEventMeta(msg)
	if meta.EventType != "schedule.slots.generated.v1" || meta.EventID == "" || meta.EventID == "7" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := &headerCarrier{}
	prop.Inject(ctx, carrier)
	if HeaderValue(carrier.headers, "traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	out := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
	if out.TraceID() != traceID {
		t.Fatalf("trace id mismatch: %s", out.TraceID())
	}
}

func TestReadyCheck_NoBrokers(t *testing.T) {
	if ReadyCheck("") != nil {
		t.Fatal("expected nil check when kafka is not configured")
	}
}
