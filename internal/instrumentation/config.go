package instrumentation

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Exporter types.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// Config holds the OpenTelemetry and audit settings. It is read from the
// environment, separately from the application configuration, so the
// standard OTEL_* variables keep working.
type Config struct {
	// ServiceName defaults to inboxmeet.
	ServiceName    string
	ServiceVersion string

	// InstanceID identifies this process in exported telemetry. Empty
	// means the hostname.
	InstanceID string

	// Enabled switches metrics and tracing on (default: true).
	Enabled bool

	// MetricsExporter is one of prometheus, otlp or stdout.
	MetricsExporter string

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is host:port without scheme, e.g. localhost:4318.
	OTLPEndpoint string

	// OTLPInsecure sends OTLP over plain HTTP. Local development only.
	OTLPInsecure bool

	// TraceSamplingRate is the parent-based ratio in [0, 1] (default: 0.1).
	TraceSamplingRate float64

	// DetailedLabels adds the account label to tool metrics. Each
	// configured account becomes its own series.
	DetailedLabels bool

	Audit AuditConfig
}

// AuditConfig controls the audit log of tool calls and negotiation
// transitions.
type AuditConfig struct {
	// Enabled writes audit records (default: true).
	Enabled bool

	// IncludePII logs full mailbox and counterparty addresses instead of
	// their domains.
	IncludePII bool

	// Negotiations adds one record per negotiation state change
	// (default: true).
	Negotiations bool
}

// Environment variables read by DefaultConfig.
const (
	EnvServiceName       = "OTEL_SERVICE_NAME"
	EnvInstanceID        = "OTEL_SERVICE_INSTANCE_ID"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPInsecure      = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvTraceSamplingRate = "OTEL_TRACES_SAMPLER_ARG"
	EnvEnabled           = "INBOXMEET_INSTRUMENTATION_ENABLED"
	EnvMetricsExporter   = "INBOXMEET_METRICS_EXPORTER"
	EnvTracingExporter   = "INBOXMEET_TRACING_EXPORTER"
	EnvDetailedLabels    = "INBOXMEET_METRICS_DETAILED_LABELS"
	EnvAuditEnabled      = "INBOXMEET_AUDIT_ENABLED"
	EnvAuditIncludePII   = "INBOXMEET_AUDIT_INCLUDE_PII"
	EnvAuditNegotiations = "INBOXMEET_AUDIT_NEGOTIATIONS"
)

// DefaultConfig returns the configuration described by the process
// environment.
func DefaultConfig() Config {
	return ConfigFromEnv(os.Getenv)
}

// ConfigFromEnv builds a Config from getenv. Unparsable values fall back to
// the defaults.
func ConfigFromEnv(getenv func(string) string) Config {
	env := envReader(getenv)
	return Config{
		ServiceName:       env.str(EnvServiceName, "inboxmeet"),
		ServiceVersion:    "unknown",
		InstanceID:        env.str(EnvInstanceID, ""),
		Enabled:           env.boolean(EnvEnabled, true),
		MetricsExporter:   env.str(EnvMetricsExporter, ExporterPrometheus),
		TracingExporter:   env.str(EnvTracingExporter, ExporterNone),
		OTLPEndpoint:      env.str(EnvOTLPEndpoint, ""),
		OTLPInsecure:      env.boolean(EnvOTLPInsecure, false),
		TraceSamplingRate: env.float(EnvTraceSamplingRate, 0.1),
		DetailedLabels:    env.boolean(EnvDetailedLabels, false),
		Audit: AuditConfig{
			Enabled:      env.boolean(EnvAuditEnabled, true),
			IncludePII:   env.boolean(EnvAuditIncludePII, false),
			Negotiations: env.boolean(EnvAuditNegotiations, true),
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %g", c.TraceSamplingRate))
	}
	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		errs = append(errs, fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter))
	}
	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter))
	}
	if c.OTLPEndpoint == "" && (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) {
		errs = append(errs, fmt.Errorf("OTLP endpoint is required for the otlp exporter; set %s", EnvOTLPEndpoint))
	}
	return errors.Join(errs...)
}

type envReader func(string) string

func (r envReader) str(key, def string) string {
	if v := r(key); v != "" {
		return v
	}
	return def
}

func (r envReader) boolean(key string, def bool) bool {
	v, err := strconv.ParseBool(r(key))
	if err != nil {
		return def
	}
	return v
}

func (r envReader) float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(r(key), 64)
	if err != nil {
		return def
	}
	return v
}
