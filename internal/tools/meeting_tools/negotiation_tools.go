package meeting_tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tools/batch"
	"github.com/teemow/inboxmeet/internal/tools/common"
)

// RegisterNegotiationTools registers negotiation-related tools with the MCP server
func RegisterNegotiationTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	processTool := mcp.NewTool("meeting_process_email",
		mcp.WithDescription("Process one Gmail message: extract a meeting proposal, check availability and start or advance a negotiation"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("messageId",
			mcp.Required(),
			mcp.Description("Gmail message ID (string) or array of message IDs. Messages are processed in order"),
		),
		mcp.WithBoolean("markProcessed",
			mcp.Description("Label the message as processed once handled (default: from configuration)"),
		),
	)
	s.AddTool(processTool, common.InstrumentedToolHandlerWithService("meeting_process_email",
		instrumentation.ServiceGmail, instrumentation.OperationGet, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleProcessEmail(ctx, request, sc)
		}))

	confirmTool := mcp.NewTool("meeting_confirm",
		mcp.WithDescription("Confirm the requested slot of a negotiation awaiting confirmation. The slot is re-checked and booked in the calendar"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
	)
	s.AddTool(confirmTool, common.InstrumentedToolHandlerWithService("meeting_confirm",
		instrumentation.ServiceCalendar, instrumentation.OperationCreate, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleConfirm(ctx, request, sc)
		}))

	selectTool := mcp.NewTool("meeting_select_alternative",
		mcp.WithDescription("Pick one of the alternatives offered in a negotiation, or an explicit slot, and book it"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
		mcp.WithNumber("option",
			mcp.Description("1-based index of the offered alternative"),
		),
		mcp.WithString("start",
			mcp.Description("Explicit slot start (RFC3339), used instead of option"),
		),
		mcp.WithString("end",
			mcp.Description("Explicit slot end (RFC3339, default: start plus the proposal duration)"),
		),
	)
	s.AddTool(selectTool, common.InstrumentedToolHandlerWithService("meeting_select_alternative",
		instrumentation.ServiceCalendar, instrumentation.OperationCreate, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleSelectAlternative(ctx, request, sc)
		}))

	declineTool := mcp.NewTool("meeting_decline",
		mcp.WithDescription("Decline a negotiation"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
		mcp.WithString("reason",
			mcp.Description("Why the meeting is declined (default: declined)"),
		),
	)
	s.AddTool(declineTool, common.InstrumentedToolHandler("meeting_decline", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleTerminate(ctx, request, sc, false)
		}))

	cancelTool := mcp.NewTool("meeting_cancel",
		mcp.WithDescription("Cancel a negotiation. A booking in progress is rolled back"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
	)
	s.AddTool(cancelTool, common.InstrumentedToolHandler("meeting_cancel", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleTerminate(ctx, request, sc, true)
		}))

	retryTool := mcp.NewTool("meeting_retry",
		mcp.WithDescription("Resend an undelivered email or resume a negotiation held because the calendar was unreachable"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
	)
	s.AddTool(retryTool, common.InstrumentedToolHandler("meeting_retry", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleRetry(ctx, request, sc)
		}))

	getTool := mcp.NewTool("meeting_get",
		mcp.WithDescription("Get the current state of a negotiation"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("negotiationId",
			mcp.Required(),
			mcp.Description("The negotiation ID"),
		),
	)
	s.AddTool(getTool, common.InstrumentedToolHandler("meeting_get", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGet(ctx, request, sc)
		}))

	listTool := mcp.NewTool("meeting_list_negotiations",
		mcp.WithDescription("List negotiations ordered by creation time"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("states",
			mcp.Description("Comma-separated states to include (e.g. 'PENDING_CONFIRM,NEGOTIATING'). All states when empty"),
		),
	)
	s.AddTool(listTool, common.InstrumentedToolHandler("meeting_list_negotiations", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleListNegotiations(ctx, request, sc)
		}))

	return nil
}

func handleProcessEmail(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	messageIDs, err := batch.ParseStringOrArray(args["messageId"], "messageId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	mark := optionalBool(args, "markProcessed", sc.Config().Inbox.MarkProcessed)

	if len(messageIDs) == 1 {
		result, err := processMessage(ctx, sc, acct, messageIDs[0], mark)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return common.JSONResult(result)
	}

	// Messages of one thread must reach the engine in the order given.
	summary := batch.Process(ctx, messageIDs, 1, func(ctx context.Context, id string) (outcome, error) {
		return processMessage(ctx, sc, acct, id, mark)
	})
	return common.JSONResult(summary)
}

// processMessage runs one message through the engine. The returned error is
// set only when no negotiation could be reported.
func processMessage(ctx context.Context, sc *server.ServerContext, acct *server.Account, messageID string, mark bool) (outcome, error) {
	email, err := acct.Inbox.GetEmail(ctx, messageID)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}

	out, err := acct.Engine.HandleEmail(ctx, email)
	if err != nil && out.Action == "" {
		return outcome{}, fmt.Errorf("failed to process message %s: %w", messageID, err)
	}

	result := outcome{Action: out.Action, Negotiation: out.Negotiation}
	if err != nil {
		result.Error = err.Error()
		result.Hint = hint(err)
	} else if mark {
		if err := acct.Inbox.MarkProcessed(ctx, messageID); err != nil {
			// Unlabelled messages are listed again and reported as duplicates.
			sc.Logger().Warn("failed to label message",
				logging.MessageID(messageID), logging.Err(err))
		}
	}
	return result, nil
}

func handleConfirm(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "negotiationId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	return negotiationResult(acct.Engine.Confirm(ctx, id))
}

func handleSelectAlternative(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "negotiationId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}

	if startStr, ok := args["start"].(string); ok && startStr != "" {
		iv, err := explicitSlot(acct, id, startStr, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return negotiationResult(acct.Engine.SelectInterval(ctx, id, iv))
	}

	option, ok := args["option"].(float64)
	if !ok || option != float64(int(option)) {
		return mcp.NewToolResultError("option (a whole number) or start is required"), nil
	}
	return negotiationResult(acct.Engine.SelectAlternative(ctx, id, int(option)))
}

// explicitSlot parses start and end. A missing end takes the length of the
// requested slot.
func explicitSlot(acct *server.Account, id, startStr string, args map[string]interface{}) (interval.TimeInterval, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return interval.TimeInterval{}, fmt.Errorf("invalid start format: %v", err)
	}
	if endStr, ok := args["end"].(string); ok && endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return interval.TimeInterval{}, fmt.Errorf("invalid end format: %v", err)
		}
		return interval.New(start, end)
	}

	n, err := acct.Engine.Get(id)
	if err != nil {
		return interval.TimeInterval{}, err
	}
	d := n.Requested.Duration()
	if d <= 0 && len(n.Alternatives) > 0 {
		d = n.Alternatives[0].Duration()
	}
	if d <= 0 {
		return interval.TimeInterval{}, fmt.Errorf("end is required: negotiation %s has no slot length", id)
	}
	return interval.OfDuration(start, d)
}

func handleTerminate(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext, cancel bool) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "negotiationId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	if cancel {
		return negotiationResult(acct.Engine.Cancel(ctx, id))
	}
	reason, _ := args["reason"].(string)
	return negotiationResult(acct.Engine.Decline(ctx, id, reason))
}

func handleRetry(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "negotiationId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	return negotiationResult(acct.Engine.Retry(ctx, id))
}

func handleGet(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "negotiationId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	n, err := acct.Engine.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return common.JSONResult(n)
}

var knownStates = map[negotiation.State]bool{
	negotiation.StateProposed:       true,
	negotiation.StatePendingConfirm: true,
	negotiation.StateNegotiating:    true,
	negotiation.StateHeld:           true,
	negotiation.StateConfirmed:      true,
	negotiation.StateDeclined:       true,
	negotiation.StateExpired:        true,
}

// parseStates reads a comma-separated state filter.
func parseStates(raw string) ([]negotiation.State, error) {
	var states []negotiation.State
	for _, part := range strings.Split(raw, ",") {
		s := negotiation.State(strings.ToUpper(strings.TrimSpace(part)))
		if s == "" {
			continue
		}
		if !knownStates[s] {
			valid := make([]string, 0, len(knownStates))
			for k := range knownStates {
				valid = append(valid, string(k))
			}
			sort.Strings(valid)
			return nil, fmt.Errorf("unknown state %q (valid: %s)", part, strings.Join(valid, ", "))
		}
		states = append(states, s)
	}
	return states, nil
}

func handleListNegotiations(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}
	raw, _ := args["states"].(string)
	states, err := parseStates(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return common.JSONResult(acct.Engine.List(states...))
}
