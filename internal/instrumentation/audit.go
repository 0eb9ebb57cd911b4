package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ToolInvocation is the audit record of one MCP tool call.
//
// UserEmail is the mailbox the account is bound to. It is only written
// when the AuditLogger includes PII; otherwise its domain is logged.
type ToolInvocation struct {
	Tool      string
	UserEmail string

	Account     string
	ServiceName string // google service the tool drives, if any
	Operation   string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
	SpanID  string
}

// NewToolInvocation starts timing a call of tool.
func NewToolInvocation(tool string) *ToolInvocation {
	return &ToolInvocation{Tool: tool, StartTime: time.Now()}
}

func (ti *ToolInvocation) WithUser(email string) *ToolInvocation {
	ti.UserEmail = email
	return ti
}

func (ti *ToolInvocation) WithAccount(account string) *ToolInvocation {
	ti.Account = account
	return ti
}

func (ti *ToolInvocation) WithService(serviceName, operation string) *ToolInvocation {
	ti.ServiceName = serviceName
	ti.Operation = operation
	return ti
}

// WithSpanContext copies the trace and span ids of the span in ctx.
func (ti *ToolInvocation) WithSpanContext(ctx context.Context) *ToolInvocation {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		ti.TraceID = sc.TraceID().String()
		ti.SpanID = sc.SpanID().String()
	}
	return ti
}

// Complete stops the timer. A nil err marks the call successful.
func (ti *ToolInvocation) Complete(err error) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = err == nil
	if err != nil {
		ti.Error = err.Error()
	}
	return ti
}

// Fail stops the timer for a call that returned an error result rather
// than a Go error.
func (ti *ToolInvocation) Fail(reason string) *ToolInvocation {
	ti.Duration = time.Since(ti.StartTime)
	ti.Success = false
	ti.Error = reason
	return ti
}

// UserDomain returns the domain of UserEmail.
func (ti *ToolInvocation) UserDomain() string {
	return ExtractUserDomain(ti.UserEmail)
}

// Status returns StatusSuccess or StatusError.
func (ti *ToolInvocation) Status() string {
	if ti.Success {
		return StatusSuccess
	}
	return StatusError
}

// Attrs returns the record as slog attributes. Without PII the user is
// reduced to its domain and the default account is left out.
func (ti *ToolInvocation) Attrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{slog.String("tool", ti.Tool)}
	if includePII {
		attrs = append(attrs, slog.String("user", ti.UserEmail))
	} else {
		attrs = append(attrs, slog.String("user_domain", ti.UserDomain()))
	}
	attrs = append(attrs,
		slog.Duration("duration", ti.Duration),
		slog.Bool("success", ti.Success))

	if ti.Account != "" && (includePII || ti.Account != "default") {
		attrs = append(attrs, slog.String("account", ti.Account))
	}
	attrs = appendNonEmpty(attrs,
		"service", ti.ServiceName,
		"operation", ti.Operation,
		"trace_id", ti.TraceID)
	if includePII {
		attrs = appendNonEmpty(attrs, "span_id", ti.SpanID)
	}
	return appendNonEmpty(attrs, "error", ti.Error)
}

// NegotiationEvent is the audit record of one negotiation state change.
type NegotiationEvent struct {
	Account       string
	NegotiationID string
	Counterparty  string
	From          string
	To            string
	Reason        string
	MeetingID     string
}

// Attrs returns the event as slog attributes. Without PII the
// counterparty is reduced to its domain.
func (ev NegotiationEvent) Attrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("negotiation_id", ev.NegotiationID),
		slog.String("from", ev.From),
		slog.String("to", ev.To),
	}
	if includePII {
		attrs = append(attrs, slog.String("counterparty", ev.Counterparty))
	} else {
		attrs = append(attrs, slog.String("counterparty_domain", ExtractUserDomain(ev.Counterparty)))
	}
	return appendNonEmpty(attrs,
		"account", ev.Account,
		"reason", ev.Reason,
		"meeting_id", ev.MeetingID)
}

// AuditLogger writes audit records. A nil *AuditLogger discards them.
type AuditLogger struct {
	logger *slog.Logger
	cfg    AuditConfig
}

// NewAuditLogger writes records to logger, slog.Default when nil.
func NewAuditLogger(logger *slog.Logger, cfg AuditConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{logger: logger, cfg: cfg}
}

// LogToolInvocation writes tool_executed or tool_failed.
func (al *AuditLogger) LogToolInvocation(ti *ToolInvocation) {
	if al == nil || !al.cfg.Enabled {
		return
	}
	msg, level := "tool_executed", slog.LevelInfo
	if !ti.Success {
		msg, level = "tool_failed", slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), level, msg, ti.Attrs(al.cfg.IncludePII)...)
}

// LogNegotiation writes negotiation_transition with the trace id of ctx.
func (al *AuditLogger) LogNegotiation(ctx context.Context, ev NegotiationEvent) {
	if al == nil || !al.cfg.Enabled || !al.cfg.Negotiations {
		return
	}
	attrs := ev.Attrs(al.cfg.IncludePII)
	if id := GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	al.logger.LogAttrs(ctx, slog.LevelInfo, "negotiation_transition", attrs...)
}

// appendNonEmpty appends key/value pairs whose value is set.
func appendNonEmpty(attrs []slog.Attr, kv ...string) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs = append(attrs, slog.String(kv[i], kv[i+1]))
		}
	}
	return attrs
}
