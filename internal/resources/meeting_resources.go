package resources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/ics"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
)

const (
	NegotiationsURI = "meetings://negotiations/open"
	CalendarURI     = "meetings://calendar.ics"
)

// openStates are the states a negotiation can still leave.
var openStates = []negotiation.State{
	negotiation.StateProposed,
	negotiation.StatePendingConfirm,
	negotiation.StateNegotiating,
	negotiation.StateHeld,
}

// Definitions lists the resources RegisterMeetingResources serves.
func Definitions() []mcp.Resource {
	return []mcp.Resource{
		mcp.NewResource(
			NegotiationsURI,
			"Open Negotiations",
			mcp.WithResourceDescription("Negotiations that are waiting for a confirmation, a reply or the calendar"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(
			CalendarURI,
			"Tracked Meetings",
			mcp.WithResourceDescription("Pending and confirmed meetings as an iCalendar feed"),
			mcp.WithMIMEType("text/calendar"),
		),
	}
}

// RegisterMeetingResources registers the meeting resources of the
// configured account.
func RegisterMeetingResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	handlers := map[string]func(context.Context, mcp.ReadResourceRequest, *server.ServerContext) ([]mcp.ResourceContents, error){
		NegotiationsURI: handleOpenNegotiations,
		CalendarURI:     handleCalendar,
	}
	for _, res := range Definitions() {
		handle, ok := handlers[res.URI]
		if !ok {
			return fmt.Errorf("no handler for resource %s", res.URI)
		}
		s.AddResource(res, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return handle(ctx, request, sc)
		})
	}
	return nil
}

func handleOpenNegotiations(_ context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	acct, err := sc.AccountFor(sc.DefaultAccount())
	if err != nil {
		return nil, fmt.Errorf("no account available: %w", err)
	}

	data := map[string]interface{}{
		"account":      acct.Name,
		"negotiations": acct.Engine.List(openStates...),
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal negotiations: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}

func handleCalendar(_ context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	acct, err := sc.AccountFor(sc.DefaultAccount())
	if err != nil {
		return nil, fmt.Errorf("no account available: %w", err)
	}

	var buf bytes.Buffer
	// An empty feed is still a valid resource.
	if err := ics.Export(&buf, acct.Tracker().ListActive(), ics.Options{}); err != nil && !errors.Is(err, ics.ErrNoMeetings) {
		return nil, err
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/calendar",
			Text:     buf.String(),
		},
	}, nil
}
