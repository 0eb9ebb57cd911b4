package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrResult    = "result"
	attrTool      = "tool"
	attrAccount   = "account"
	attrFrom      = "from"
	attrTo        = "to"
	attrKind      = "kind"
)

// Label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	// Extraction results
	ExtractionProposal = "proposal"
	ExtractionNone     = "none"
	ExtractionError    = "error"

	// Google services
	ServiceGmail    = "gmail"
	ServiceCalendar = "calendar"
)

// Metrics provides methods for recording observability metrics. A nil
// *Metrics and a zero Metrics are both valid no-op recorders.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Google API metrics
	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram

	// Scheduling metrics
	extractionsTotal     metric.Int64Counter
	resolutionsTotal     metric.Int64Counter
	transitionsTotal     metric.Int64Counter
	activeNegotiations   metric.Int64UpDownCounter
	nluRequestsTotal     metric.Int64Counter
	nluRequestDuration   metric.Float64Histogram
	reconciledStaleTotal metric.Int64Counter

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.googleAPIOperationsTotal, err = meter.Int64Counter(
		"google_api_operations_total",
		metric.WithDescription("Total number of Google API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operations_total counter: %w", err)
	}

	m.googleAPIOperationDuration, err = meter.Float64Histogram(
		"google_api_operation_duration_seconds",
		metric.WithDescription("Google API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operation_duration_seconds histogram: %w", err)
	}

	m.extractionsTotal, err = meter.Int64Counter(
		"meeting_extractions_total",
		metric.WithDescription("Inbound emails run through meeting intent extraction"),
		metric.WithUnit("{email}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create meeting_extractions_total counter: %w", err)
	}

	m.resolutionsTotal, err = meter.Int64Counter(
		"availability_resolutions_total",
		metric.WithDescription("Availability resolutions by outcome kind"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create availability_resolutions_total counter: %w", err)
	}

	m.transitionsTotal, err = meter.Int64Counter(
		"negotiation_transitions_total",
		metric.WithDescription("Negotiation state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiation_transitions_total counter: %w", err)
	}

	m.activeNegotiations, err = meter.Int64UpDownCounter(
		"active_negotiations",
		metric.WithDescription("Negotiations not yet in a terminal state"),
		metric.WithUnit("{negotiation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_negotiations gauge: %w", err)
	}

	m.nluRequestsTotal, err = meter.Int64Counter(
		"nlu_requests_total",
		metric.WithDescription("Requests sent to the language-understanding model"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nlu_requests_total counter: %w", err)
	}

	m.nluRequestDuration, err = meter.Float64Histogram(
		"nlu_request_duration_seconds",
		metric.WithDescription("Language-understanding request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nlu_request_duration_seconds histogram: %w", err)
	}

	m.reconciledStaleTotal, err = meter.Int64Counter(
		"tracker_stale_flag_changes_total",
		metric.WithDescription("Confirmed meetings whose stale flag changed during reconciliation"),
		metric.WithUnit("{meeting}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker_stale_flag_changes_total counter: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGoogleAPIOperation records a Google API operation with service, operation,
// status, and duration.
//
// Parameters:
//   - service: Google service name (gmail, calendar)
//   - operation: Operation type (freebusy, insert, delete, list, get, send)
//   - status: Result status ("success" or "error")
//   - duration: Time taken for the operation
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m == nil || m.googleAPIOperationsTotal == nil || m.googleAPIOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.googleAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordExtraction records the result of running extraction on one email.
// Result should be one of ExtractionProposal, ExtractionNone, ExtractionError.
func (m *Metrics) RecordExtraction(ctx context.Context, result string) {
	if m == nil || m.extractionsTotal == nil {
		return
	}
	m.extractionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordResolution records an availability resolution by kind
// (AVAILABLE, CONFLICT, INDETERMINATE).
func (m *Metrics) RecordResolution(ctx context.Context, kind string) {
	if m == nil || m.resolutionsTotal == nil {
		return
	}
	m.resolutionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// RecordNegotiationTransition records a state change and keeps the active
// negotiation gauge current. An empty from marks a newly created negotiation.
func (m *Metrics) RecordNegotiationTransition(ctx context.Context, from, to string, terminal bool) {
	if m == nil || m.transitionsTotal == nil || m.activeNegotiations == nil {
		return
	}
	if from == "" {
		m.activeNegotiations.Add(ctx, 1)
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFrom, from),
		attribute.String(attrTo, to),
	))
	if terminal {
		m.activeNegotiations.Add(ctx, -1)
	}
}

// RecordNLURequest records one request to the language-understanding model.
func (m *Metrics) RecordNLURequest(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.nluRequestsTotal == nil || m.nluRequestDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.nluRequestsTotal.Add(ctx, 1, attrs)
	m.nluRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStaleFlagChanges records meetings flagged or unflagged by reconciliation.
func (m *Metrics) RecordStaleFlagChanges(ctx context.Context, flagged, cleared int) {
	if m == nil || m.reconciledStaleTotal == nil {
		return
	}
	if flagged > 0 {
		m.reconciledStaleTotal.Add(ctx, int64(flagged), metric.WithAttributes(attribute.String(attrResult, "flagged")))
	}
	if cleared > 0 {
		m.reconciledStaleTotal.Add(ctx, int64(cleared), metric.WithAttributes(attribute.String(attrResult, "cleared")))
	}
}

// RecordToolInvocationWithAccount records an MCP tool invocation with account info.
// The account label is only included when detailedLabels is enabled.
func (m *Metrics) RecordToolInvocationWithAccount(ctx context.Context, toolName, status, account string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && account != "" {
		attrs = append(attrs, attribute.String(attrAccount, account))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
