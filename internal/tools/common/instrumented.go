package common

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/server"
)

// ToolHandler is the mcp-go tool handler signature.
type ToolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// InstrumentedToolHandler wraps handler with a server span, the tool
// metrics and an audit record. Without metrics and audit logger the
// handler is called as is.
//
//	s.AddTool(tool, common.InstrumentedToolHandler("meeting_get", sc, handler))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return toolCall{name: toolName}.wrap(sc, handler)
}

// InstrumentedToolHandlerWithService also records the Google service and
// operation the tool drives. API call metrics are recorded by the service
// clients themselves.
func InstrumentedToolHandlerWithService(toolName, serviceName, operation string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return toolCall{name: toolName, service: serviceName, operation: operation}.wrap(sc, handler)
}

type toolCall struct {
	name      string
	service   string
	operation string
}

func (tc toolCall) wrap(sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		metrics, audit := sc.Metrics(), sc.AuditLogger()
		if metrics == nil && audit == nil {
			return handler(ctx, request)
		}

		args := request.GetArguments()
		account := GetAccountFromArgs(args, sc.DefaultAccount())
		ctx, span := instrumentation.StartToolSpan(ctx, tc.name, spanAttrs(args, account)...)
		defer span.End()

		inv := instrumentation.NewToolInvocation(tc.name).
			WithUser(sc.UserEmailFor(account)).
			WithAccount(account).
			WithSpanContext(ctx)
		if tc.service != "" {
			inv.WithService(tc.service, tc.operation)
		}

		result, err := handler(ctx, request)
		finish(span, inv, result, err)

		metrics.RecordToolInvocationWithAccount(ctx, tc.name, inv.Status(), account, inv.Duration)
		audit.LogToolInvocation(inv)
		return result, err
	}
}

func spanAttrs(args map[string]any, account string) []attribute.KeyValue {
	messageID, _ := args["messageId"].(string)
	negotiationID, _ := args["negotiationId"].(string)
	return instrumentation.NewSpanAttributeBuilder().
		WithAccount(account).
		WithMessage(messageID, "").
		WithNegotiation(negotiationID, "").
		Build()
}

// finish settles the span status and the audit record. A tool that answers
// with an error result failed even though its handler returned no error.
func finish(span trace.Span, inv *instrumentation.ToolInvocation, result *mcp.CallToolResult, err error) {
	switch {
	case err != nil:
		inv.Complete(err)
		instrumentation.SetSpanError(span, err)
	case result != nil && result.IsError:
		inv.Fail("tool returned an error result")
		span.SetStatus(codes.Error, "error result")
	default:
		inv.Complete(nil)
		instrumentation.SetSpanSuccess(span)
	}
}
