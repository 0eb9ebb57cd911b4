package meeting_tools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tools/common"
)

const accountDescription = "Account name (default: the configured account). Used to manage multiple Google accounts."

// RegisterMeetingTools registers all meeting tools with the MCP server
func RegisterMeetingTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if err := RegisterNegotiationTools(s, sc); err != nil {
		return fmt.Errorf("failed to register negotiation tools: %w", err)
	}
	if err := RegisterTrackerTools(s, sc); err != nil {
		return fmt.Errorf("failed to register tracker tools: %w", err)
	}
	return nil
}

// outcome is the tool view of an engine operation. Engine errors that leave
// a valid negotiation behind, such as an undelivered email, are reported
// alongside it.
type outcome struct {
	Action      negotiation.Action       `json:"action,omitempty"`
	Negotiation *negotiation.Negotiation `json:"negotiation,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Hint        string                   `json:"hint,omitempty"`
}

func accountFor(sc *server.ServerContext, args map[string]interface{}) (*server.Account, *mcp.CallToolResult) {
	name := common.GetAccountFromArgs(args, sc.DefaultAccount())
	acct, err := sc.AccountFor(name)
	if err != nil {
		if errors.Is(err, server.ErrNotAuthenticated) {
			return nil, mcp.NewToolResultError(google.GetAuthenticationErrorMessage(name))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to load account %s: %v", name, err))
	}
	return acct, nil
}

func negotiationResult(n *negotiation.Negotiation, err error) (*mcp.CallToolResult, error) {
	if n == nil {
		if err == nil {
			return mcp.NewToolResultError("negotiation not found"), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := outcome{Negotiation: n}
	if err != nil {
		out.Error = err.Error()
		out.Hint = hint(err)
	}
	return common.JSONResult(out)
}

// hint suggests the follow-up for errors that keep a negotiation open.
func hint(err error) string {
	var delivery *negotiation.DeliveryError
	var fetch *negotiation.CalendarFetchError
	switch {
	case errors.As(err, &delivery):
		return "The email was not delivered. Call meeting_retry to resend it."
	case errors.As(err, &fetch):
		return "The calendar could not be read. Call meeting_retry once it is reachable."
	}
	return ""
}

func requiredString(args map[string]interface{}, key string) (string, *mcp.CallToolResult) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError(key + " is required")
	}
	return v, nil
}

func optionalBool(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}
