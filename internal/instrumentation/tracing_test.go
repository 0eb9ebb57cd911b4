package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans installs a recording tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
	m := map[attribute.Key]string{}
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value.Emit()
	}
	return m
}

func TestSpanAttributeBuilder(t *testing.T) {
	tests := []struct {
		name  string
		build func() []attribute.KeyValue
		want  map[attribute.Key]string
	}{
		{
			name: "all values",
			build: func() []attribute.KeyValue {
				return NewSpanAttributeBuilder().
					WithTool("meeting_confirm").
					WithAccount("work").
					WithMessage("m1", "t1").
					WithNegotiation("n1", "NEGOTIATING").
					Build()
			},
			want: map[attribute.Key]string{
				SpanAttrTool:        "meeting_confirm",
				SpanAttrAccount:     "work",
				SpanAttrMessageID:   "m1",
				SpanAttrThreadID:    "t1",
				SpanAttrNegotiation: "n1",
				SpanAttrState:       "NEGOTIATING",
			},
		},
		{
			name: "empty values are skipped",
			build: func() []attribute.KeyValue {
				return NewSpanAttributeBuilder().
					WithAccount("").
					WithMessage("m1", "").
					WithNegotiation("", "").
					Build()
			},
			want: map[attribute.Key]string{SpanAttrMessageID: "m1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := tt.build()
			if len(attrs) != len(tt.want) {
				t.Fatalf("got %d attributes, want %d: %v", len(attrs), len(tt.want), attrs)
			}
			for _, kv := range attrs {
				if tt.want[kv.Key] != kv.Value.AsString() {
					t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), tt.want[kv.Key])
				}
			}
		})
	}
}

func TestStartSpans(t *testing.T) {
	sr := recordSpans(t)
	ctx := context.Background()

	_, span := StartToolSpan(ctx, "meeting_get")
	span.End()
	_, span = StartGoogleAPISpan(ctx, ServiceCalendar, OperationFreeBusy,
		NewSpanAttributeBuilder().WithAccount("work").Build()...)
	span.End()
	_, span = StartSpan(ctx, "negotiation.confirm")
	span.End()

	ended := sr.Ended()
	if len(ended) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(ended))
	}

	tests := []struct {
		name  string
		kind  trace.SpanKind
		attrs map[attribute.Key]string
	}{
		{name: "tool.meeting_get", kind: trace.SpanKindServer, attrs: map[attribute.Key]string{SpanAttrTool: "meeting_get"}},
		{name: "google.calendar.freebusy", kind: trace.SpanKindClient, attrs: map[attribute.Key]string{
			SpanAttrService: ServiceCalendar, SpanAttrOperation: OperationFreeBusy, SpanAttrAccount: "work",
		}},
		{name: "negotiation.confirm", kind: trace.SpanKindInternal},
	}
	for i, tt := range tests {
		s := ended[i]
		if s.Name() != tt.name {
			t.Errorf("span %d name = %q, want %q", i, s.Name(), tt.name)
		}
		if s.SpanKind() != tt.kind {
			t.Errorf("%s kind = %v, want %v", tt.name, s.SpanKind(), tt.kind)
		}
		got := spanAttrs(s)
		for k, v := range tt.attrs {
			if got[k] != v {
				t.Errorf("%s %s = %q, want %q", tt.name, k, got[k], v)
			}
		}
	}
}

func TestSpanStatus(t *testing.T) {
	sr := recordSpans(t)
	ctx := context.Background()

	_, failed := StartSpan(ctx, "failed")
	SetSpanError(failed, errors.New("calendar unavailable"))
	failed.End()

	_, ok := StartSpan(ctx, "ok")
	SetSpanError(ok, nil)
	SetSpanSuccess(ok)
	SetSpanState(ok, "CONFIRMED")
	SetSpanState(ok, "")
	ok.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(ended))
	}
	if st := ended[0].Status(); st.Code != codes.Error || st.Description != "calendar unavailable" {
		t.Errorf("failed span status = %+v", st)
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("failed span has %d events, want the recorded error", len(ended[0].Events()))
	}
	if st := ended[1].Status(); st.Code != codes.Ok {
		t.Errorf("ok span status = %+v", st)
	}
	if got := spanAttrs(ended[1])[SpanAttrState]; got != "CONFIRMED" {
		t.Errorf("state attribute = %q, want CONFIRMED", got)
	}
}

func TestGetTraceID(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", id)
	}

	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "traced")
	defer span.End()
	if id := GetTraceID(ctx); id != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", id, span.SpanContext().TraceID())
	}
}
