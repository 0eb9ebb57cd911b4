package google_tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/google"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tools/common"
)

var accountArg = mcp.WithString("account",
	mcp.Description("Account name (default: the configured account). Each account has its own token, negotiations and tracked meetings."),
)

// RegisterGoogleTools registers the tools that authorize Gmail and Calendar
// access for an account.
func RegisterGoogleTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	tools := []struct {
		tool    mcp.Tool
		handler func(context.Context, mcp.CallToolRequest, *server.ServerContext) (*mcp.CallToolResult, error)
	}{
		{
			mcp.NewTool("google_get_auth_url",
				mcp.WithDescription("Get the OAuth URL that authorizes Gmail and Google Calendar access for an account"),
				accountArg,
			),
			handleGetAuthURL,
		},
		{
			mcp.NewTool("google_save_auth_code",
				mcp.WithDescription("Exchange the authorization code from the OAuth URL and store the account's token"),
				accountArg,
				mcp.WithString("authCode",
					mcp.Required(),
					mcp.Description("The authorization code shown by Google after granting access"),
				),
			),
			handleSaveAuthCode,
		},
		{
			mcp.NewTool("google_auth_status",
				mcp.WithDescription("Report whether an account has a stored Google token"),
				accountArg,
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handleAuthStatus,
		},
	}

	for _, t := range tools {
		handler := t.handler
		s.AddTool(t.tool, common.InstrumentedToolHandler(t.tool.Name, sc,
			func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return handler(ctx, request, sc)
			}))
	}
	return nil
}

func handleGetAuthURL(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	account := common.GetAccountFromArgs(request.GetArguments(), sc.DefaultAccount())
	url := google.GetAuthURLForAccount(account)

	var b strings.Builder
	if google.HasTokenForAccount(account) {
		fmt.Fprintf(&b, "Account %q is already authorized. Authorizing again replaces the stored token.\n\n", account)
	}
	fmt.Fprintf(&b, `To authorize Gmail and Google Calendar access for account "%s":

1. Open %s
2. Sign in and grant access to Gmail and Calendar
3. Copy the authorization code
4. Call google_save_auth_code with the code and the account name`, account, url)
	return mcp.NewToolResultText(b.String()), nil
}

func handleSaveAuthCode(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	account := common.GetAccountFromArgs(args, sc.DefaultAccount())

	code, _ := args["authCode"].(string)
	if code = strings.TrimSpace(code); code == "" {
		return mcp.NewToolResultError("authCode is required"), nil
	}
	if err := google.SaveTokenForAccount(ctx, account, code); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to save authorization code for account %s: %v", account, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Authorization successful for account %q. The meeting tools can now read its inbox and calendar.", account)), nil
}

func handleAuthStatus(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	account := common.GetAccountFromArgs(request.GetArguments(), sc.DefaultAccount())
	return common.JSONResult(map[string]any{
		"account":    account,
		"authorized": google.HasTokenForAccount(account),
	})
}
