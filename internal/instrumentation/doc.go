// Package instrumentation records what the meeting engine does: OpenTelemetry
// metrics and traces, and an audit log of tool calls and negotiation state
// changes.
//
// # Metrics
//
// Scheduling:
//   - meeting_extractions_total{result}: emails run through extraction (proposal, none, error)
//   - availability_resolutions_total{kind}: AVAILABLE, CONFLICT, INDETERMINATE
//   - negotiation_transitions_total{from,to}
//   - active_negotiations: negotiations not yet terminal
//   - tracker_stale_flag_changes_total{result}: reconciliation flagged or cleared
//   - nlu_requests_total{status}, nlu_request_duration_seconds
//
// Transport:
//   - google_api_operations_total{service,operation,status} and its duration histogram
//   - mcp_tool_invocations_total{tool,status} and mcp_tool_duration_seconds
//   - http_requests_total{method,path,status} and http_request_duration_seconds
//
// With the prometheus exporter the metrics live in a registry owned by the
// Provider, served by Provider.Handler together with Go runtime and process
// metrics.
//
// # Tracing
//
// Spans: tool.<name>, google.<service>.<operation>, negotiation.<operation>.
//
// # Configuration
//
// DefaultConfig reads the environment:
//   - INBOXMEET_INSTRUMENTATION_ENABLED (default true)
//   - INBOXMEET_METRICS_EXPORTER: prometheus, otlp or stdout (default prometheus)
//   - INBOXMEET_TRACING_EXPORTER: otlp, stdout or none (default none)
//   - INBOXMEET_METRICS_DETAILED_LABELS: add the account label to tool metrics
//   - INBOXMEET_AUDIT_ENABLED, INBOXMEET_AUDIT_INCLUDE_PII, INBOXMEET_AUDIT_NEGOTIATIONS
//   - OTEL_SERVICE_NAME, OTEL_SERVICE_INSTANCE_ID, OTEL_EXPORTER_OTLP_ENDPOINT,
//     OTEL_EXPORTER_OTLP_INSECURE, OTEL_TRACES_SAMPLER_ARG
//
// Example:
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	m := provider.Metrics() // nil when disabled, still safe to call
//	m.RecordNegotiationTransition(ctx, "PENDING_CONFIRM", "CONFIRMED", true)
package instrumentation
