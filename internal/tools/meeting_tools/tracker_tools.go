package meeting_tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/ics"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tools/common"
	"github.com/teemow/inboxmeet/internal/tracker"
)

// RegisterTrackerTools registers tools that read, reconcile and cancel tracked meetings
func RegisterTrackerTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	listTool := mcp.NewTool("meeting_list_tracked",
		mcp.WithDescription("List tracked meetings ordered by start time, as JSON or as an iCalendar feed"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("state",
			mcp.Description("Only meetings in this state (PENDING_CONFIRM, CONFIRMED, DECLINED, EXPIRED, CANCELLED)"),
		),
		mcp.WithBoolean("activeOnly",
			mcp.Description("Only pending and confirmed meetings (default: true)"),
		),
		mcp.WithBoolean("staleOnly",
			mcp.Description("Only meetings no longer found in the calendar"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'ics'"),
		),
	)
	s.AddTool(listTool, common.InstrumentedToolHandler("meeting_list_tracked", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleListTracked(ctx, request, sc)
		}))

	reconcileTool := mcp.NewTool("meeting_reconcile",
		mcp.WithDescription("Compare confirmed meetings with the calendar over the search horizon and flag those that disappeared"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
	)
	s.AddTool(reconcileTool, common.InstrumentedToolHandlerWithService("meeting_reconcile",
		instrumentation.ServiceCalendar, instrumentation.OperationFreeBusy, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleReconcile(ctx, request, sc)
		}))

	cancelTool := mcp.NewTool("meeting_cancel_tracked",
		mcp.WithDescription("Cancel a confirmed meeting: its calendar event is deleted and the slot becomes free again"),
		mcp.WithString("account",
			mcp.Description(accountDescription),
		),
		mcp.WithString("meetingId",
			mcp.Required(),
			mcp.Description("The tracked meeting ID"),
		),
	)
	s.AddTool(cancelTool, common.InstrumentedToolHandlerWithService("meeting_cancel_tracked",
		instrumentation.ServiceCalendar, instrumentation.OperationDelete, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleCancelTracked(ctx, request, sc)
		}))

	return nil
}

// reconcileResult lists the meetings whose stale flag changed.
type reconcileResult struct {
	Flagged []tracker.Meeting `json:"flagged"`
	Cleared []tracker.Meeting `json:"cleared"`
	Error   string            `json:"error,omitempty"`
}

func handleListTracked(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}

	var state tracker.State
	if raw, ok := args["state"].(string); ok && raw != "" {
		state = tracker.State(strings.ToUpper(strings.TrimSpace(raw)))
		if !state.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown state %q", raw)), nil
		}
	}
	activeOnly := optionalBool(args, "activeOnly", state == "")
	staleOnly := optionalBool(args, "staleOnly", false)

	var meetings []tracker.Meeting
	for _, m := range acct.Tracker().List() {
		switch {
		case state != "" && m.State != state,
			activeOnly && !m.State.Active(),
			staleOnly && !m.Stale:
			continue
		}
		meetings = append(meetings, m)
	}

	format, _ := args["format"].(string)
	switch strings.ToLower(format) {
	case "", "json":
		if meetings == nil {
			meetings = []tracker.Meeting{}
		}
		return common.JSONResult(meetings)
	case "ics":
		var buf bytes.Buffer
		err := ics.Export(&buf, meetings, ics.Options{IncludeInactive: !activeOnly})
		if errors.Is(err, ics.ErrNoMeetings) {
			return mcp.NewToolResultText("No meetings to export."), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(buf.String()), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q: use 'json' or 'ics'", format)), nil
	}
}

func handleReconcile(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	acct, errResult := accountFor(sc, request.GetArguments())
	if errResult != nil {
		return errResult, nil
	}

	changed, err := acct.Engine.Reconcile(ctx)
	if err != nil && changed == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile meetings: %v", err)), nil
	}

	result := reconcileResult{Flagged: []tracker.Meeting{}, Cleared: []tracker.Meeting{}}
	for _, m := range changed {
		if m.Stale {
			result.Flagged = append(result.Flagged, m)
		} else {
			result.Cleared = append(result.Cleared, m)
		}
	}
	if err != nil {
		result.Error = err.Error()
	}
	return common.JSONResult(result)
}

func handleCancelTracked(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, errResult := requiredString(args, "meetingId")
	if errResult != nil {
		return errResult, nil
	}
	acct, errResult := accountFor(sc, args)
	if errResult != nil {
		return errResult, nil
	}

	m, err := acct.Engine.CancelMeeting(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel meeting %s: %v", id, err)), nil
	}
	return common.JSONResult(m)
}
