package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{tracer: provider.Tracer("livewire-test"), config: TraceConfig{ServiceName: "livewire-test"}}, recorder
}

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Endpoint:       "localhost:4317",
				Insecure:       true,
				SamplingRate:   0.5,
			},
		},
		{
			name:   "without endpoint",
			config: TraceConfig{ServiceVersion: "1.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil || tracer.tracer == nil {
				t.Fatal("NewTracer() returned an unusable tracer")
			}
			if tracer.config.ServiceName == "" {
				t.Error("service name not defaulted")
			}
		})
	}
}

func TestTraceHTTPRequest(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.TraceHTTPRequest(context.Background(), http.MethodGet, "/api/alerts")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "http.GET /api/alerts" || got.SpanKind() != trace.SpanKindServer {
		t.Fatalf("span = %s (%v)", got.Name(), got.SpanKind())
	}
	if !hasAttribute(got.Attributes(), attribute.String("http.path", "/api/alerts")) {
		t.Errorf("missing http.path attribute: %v", got.Attributes())
	}
}

func TestTraceFrame(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.TraceFrame(context.Background(), "chat_message", "c1")
	span.End()

	got := recorder.Ended()[0]
	if got.Name() != "frame.chat_message" || got.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("span = %s (%v)", got.Name(), got.SpanKind())
	}
	if !hasAttribute(got.Attributes(), attribute.String("client.id", "c1")) {
		t.Errorf("missing client.id attribute: %v", got.Attributes())
	}
}

func TestWithSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	boom := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "store.write", func(ctx context.Context, span trace.Span) error {
		if GetTraceID(ctx) == "" {
			t.Error("trace id missing inside span")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithSpan() error = %v", err)
	}
	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Fatalf("status = %+v", got.Status())
	}

	if err := WithSpan(context.Background(), tracer, "ok", func(context.Context, trace.Span) error { return nil }); err != nil {
		t.Fatalf("WithSpan() error = %v", err)
	}
	if recorder.Ended()[1].Status().Code == codes.Error {
		t.Fatal("successful span marked failed")
	}
}

func TestRecordErrorNil(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	_, span := tracer.Start(context.Background(), "noop")
	tracer.RecordError(span, nil)
	span.End()
	if recorder.Ended()[0].Status().Code == codes.Error {
		t.Fatal("nil error changed span status")
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "fallback")
	defer span.End()
	if span == nil {
		t.Fatal("nil tracer returned nil span")
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Fatalf("GetTraceID() = %q, want empty", id)
	}
}

func TestTraceContextPropagation(t *testing.T) {
	tracer, _ := newRecordingTracer(t)
	propagator := propagation.TraceContext{}

	ctx, span := tracer.Start(context.Background(), "client")
	defer span.End()

	header := http.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}
	extracted := propagator.Extract(context.Background(), propagation.HeaderCarrier(header))
	if trace.SpanContextFromContext(extracted).TraceID() != span.SpanContext().TraceID() {
		t.Fatal("trace id not propagated")
	}
}

func hasAttribute(attrs []attribute.KeyValue, want attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Key == want.Key && kv.Value == want.Value {
			return true
		}
	}
	return false
}
