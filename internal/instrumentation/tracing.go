package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer of every span started here.
const TracerName = "github.com/teemow/inboxmeet"

// Span attribute keys.
const (
	SpanAttrTool        = "mcp.tool"
	SpanAttrAccount     = "inboxmeet.account"
	SpanAttrService     = "google.service"
	SpanAttrOperation   = "google.operation"
	SpanAttrMessageID   = "email.message_id"
	SpanAttrThreadID    = "email.thread_id"
	SpanAttrNegotiation = "meeting.negotiation_id"
	SpanAttrState       = "meeting.state"
)

// SpanAttributeBuilder collects span attributes, skipping empty values.
type SpanAttributeBuilder struct {
	attrs []attribute.KeyValue
}

func NewSpanAttributeBuilder() *SpanAttributeBuilder {
	return &SpanAttributeBuilder{attrs: make([]attribute.KeyValue, 0, 4)}
}

func (b *SpanAttributeBuilder) add(key, value string) *SpanAttributeBuilder {
	if value != "" {
		b.attrs = append(b.attrs, attribute.String(key, value))
	}
	return b
}

func (b *SpanAttributeBuilder) WithTool(tool string) *SpanAttributeBuilder {
	return b.add(SpanAttrTool, tool)
}

func (b *SpanAttributeBuilder) WithAccount(account string) *SpanAttributeBuilder {
	return b.add(SpanAttrAccount, account)
}

// WithMessage adds the Gmail message and thread ids.
func (b *SpanAttributeBuilder) WithMessage(messageID, threadID string) *SpanAttributeBuilder {
	return b.add(SpanAttrMessageID, messageID).add(SpanAttrThreadID, threadID)
}

// WithNegotiation adds the negotiation id and state.
func (b *SpanAttributeBuilder) WithNegotiation(id, state string) *SpanAttributeBuilder {
	return b.add(SpanAttrNegotiation, id).add(SpanAttrState, state)
}

func (b *SpanAttributeBuilder) Build() []attribute.KeyValue {
	return b.attrs
}

// StartSpan starts an internal span. The caller ends it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartToolSpan starts the server span of an MCP tool call.
func StartToolSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(NewSpanAttributeBuilder().WithTool(toolName).Build(), attrs...)
	return otel.Tracer(TracerName).Start(ctx, "tool."+toolName,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer))
}

// StartGoogleAPISpan starts the client span of one Gmail or Calendar call.
func StartGoogleAPISpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String(SpanAttrService, service),
		attribute.String(SpanAttrOperation, operation),
	}, attrs...)
	return otel.Tracer(TracerName).Start(ctx, "google."+service+"."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient))
}

// SetSpanError records err on span. A nil err is ignored.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetSpanState records the negotiation state reached when the span ends.
func SetSpanState(span trace.Span, state string) {
	if state != "" {
		span.SetAttributes(attribute.String(SpanAttrState, state))
	}
}

// GetTraceID returns the trace id of the span in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
