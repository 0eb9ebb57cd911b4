package meeting_tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/server/servertest"
	"github.com/teemow/inboxmeet/internal/tracker"
)

var allTools = []string{
	"meeting_process_email",
	"meeting_confirm",
	"meeting_decline",
	"meeting_cancel",
	"meeting_select_alternative",
	"meeting_retry",
	"meeting_get",
	"meeting_list_negotiations",
	"meeting_list_tracked",
	"meeting_reconcile",
	"meeting_cancel_tracked",
}

type env struct {
	srv     *mcpserver.MCPServer
	sc      *server.ServerContext
	fixture *servertest.Fixture
	slot    time.Time
}

// newEnv registers the tools on a context with one fake account. Emails
// containing "meet" propose slot, two days ahead on the hour.
func newEnv(t *testing.T) *env {
	t.Helper()
	slot := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	f := servertest.NewFixture(t, "default", servertest.Script{
		"meet": servertest.Proposal(slot, time.Hour),
	})
	sc := servertest.NewContext(t, f)
	srv := mcpserver.NewMCPServer("inboxmeet-test", "test", mcpserver.WithToolCapabilities(true))
	if err := RegisterMeetingTools(srv, sc); err != nil {
		t.Fatalf("RegisterMeetingTools() error = %v", err)
	}
	return &env{srv: srv, sc: sc, fixture: f, slot: slot}
}

func (e *env) call(t *testing.T, name string, args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	tool, ok := e.srv.ListTools()[name]
	if !ok {
		t.Fatalf("tool %s is not registered", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("%s returned error: %v", name, err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("%s returned an empty result", name)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("%s returned %T, want text", name, result.Content[0])
	}
	return result, text.Text
}

func (e *env) deliver(id, thread, body string) {
	e.fixture.Inbox.Deliver(negotiation.Email{
		MessageID:  id,
		RFC822ID:   "<" + id + "@mail.example.com>",
		ThreadID:   thread,
		From:       "Alice <alice@example.com>",
		Subject:    "Sync",
		Body:       body,
		ReceivedAt: time.Now(),
	})
}

// process runs meeting_process_email and decodes the outcome.
func (e *env) process(t *testing.T, id string) outcome {
	t.Helper()
	result, text := e.call(t, "meeting_process_email", map[string]interface{}{"messageId": id})
	if result.IsError {
		t.Fatalf("meeting_process_email error: %s", text)
	}
	var out outcome
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, text)
	}
	return out
}

func decodeNegotiation(t *testing.T, text string) negotiation.Negotiation {
	t.Helper()
	var out outcome
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, text)
	}
	if out.Negotiation == nil {
		t.Fatalf("outcome has no negotiation: %s", text)
	}
	return *out.Negotiation
}

func TestRegisterMeetingTools(t *testing.T) {
	e := newEnv(t)
	tools := e.srv.ListTools()
	if len(tools) != len(allTools) {
		t.Errorf("registered %d tools, want %d", len(tools), len(allTools))
	}
	for _, name := range allTools {
		tool, ok := tools[name]
		if !ok {
			t.Errorf("tool %s not registered", name)
			continue
		}
		if _, ok := tool.Tool.InputSchema.Properties["account"]; !ok {
			t.Errorf("tool %s has no account parameter", name)
		}
	}
}

func TestProcessEmail_ConfirmBooksMeeting(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Can we meet on Thursday?")

	out := e.process(t, "m1")
	if out.Action != negotiation.ActionCreated {
		t.Fatalf("action = %s, want %s", out.Action, negotiation.ActionCreated)
	}
	if out.Negotiation.State != negotiation.StatePendingConfirm {
		t.Fatalf("state = %s, want %s", out.Negotiation.State, negotiation.StatePendingConfirm)
	}
	if !e.fixture.Inbox.Processed("m1") {
		t.Error("message should be labelled processed")
	}
	sent := e.fixture.Inbox.Sent()
	if len(sent) != 1 || sent[0].To != servertest.UserEmail {
		t.Errorf("sent = %+v, want one confirmation request to the user", sent)
	}

	again := e.process(t, "m1")
	if again.Action != negotiation.ActionDuplicate {
		t.Errorf("second action = %s, want %s", again.Action, negotiation.ActionDuplicate)
	}

	id := out.Negotiation.ID
	result, text := e.call(t, "meeting_confirm", map[string]interface{}{"negotiationId": id})
	if result.IsError {
		t.Fatalf("meeting_confirm error: %s", text)
	}
	n := decodeNegotiation(t, text)
	if n.State != negotiation.StateConfirmed {
		t.Errorf("state = %s, want %s", n.State, negotiation.StateConfirmed)
	}
	if !n.Confirmed.Start.Equal(e.slot) {
		t.Errorf("confirmed start = %s, want %s", n.Confirmed.Start, e.slot)
	}
	if e.fixture.Calendar.Events() != 1 {
		t.Errorf("calendar events = %d, want 1", e.fixture.Calendar.Events())
	}

	_, text = e.call(t, "meeting_list_tracked", nil)
	var meetings []tracker.Meeting
	if err := json.Unmarshal([]byte(text), &meetings); err != nil {
		t.Fatalf("decode meetings: %v", err)
	}
	if len(meetings) != 1 || meetings[0].State != tracker.StateConfirmed {
		t.Errorf("tracked = %+v, want one confirmed meeting", meetings)
	}

	result, text = e.call(t, "meeting_confirm", map[string]interface{}{"negotiationId": id})
	if !result.IsError {
		t.Errorf("confirming twice should fail, got %s", text)
	}
}

func TestProcessEmail_Errors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{"missing message id", map[string]interface{}{}, "messageId is required"},
		{"unknown message", map[string]interface{}{"messageId": "nope"}, "failed to get message nope"},
		{"unauthenticated account", map[string]interface{}{"messageId": "m1", "account": "other"}, "token not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := e.call(t, "meeting_process_email", tt.args)
			if !result.IsError {
				t.Fatalf("expected an error result, got %s", text)
			}
			if !strings.Contains(text, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", text, tt.wantErr)
			}
		})
	}
}

func TestProcessEmail_Ignored(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Quarterly newsletter")

	out := e.process(t, "m1")
	if out.Action != negotiation.ActionIgnored || out.Negotiation != nil {
		t.Errorf("outcome = %+v, want ignored without negotiation", out)
	}
}

func TestProcessEmail_Batch(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Let's meet then")
	e.deliver("m2", "t2", "Quarterly newsletter")

	result, text := e.call(t, "meeting_process_email", map[string]interface{}{
		"messageId": []interface{}{"m1", "missing", "m2"},
	})
	if result.IsError {
		t.Fatalf("meeting_process_email error: %s", text)
	}

	var summary struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
		Results    []struct {
			ID     string   `json:"id"`
			Status string   `json:"status"`
			Value  *outcome `json:"value"`
			Error  string   `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		t.Fatalf("decode summary: %v (%s)", err, text)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %d/%d/%d, want 3/2/1", summary.Total, summary.Successful, summary.Failed)
	}
	if got := summary.Results[0].Value; got == nil || got.Action != negotiation.ActionCreated {
		t.Errorf("m1 outcome = %+v, want created", got)
	}
	if !strings.Contains(summary.Results[1].Error, "failed to get message missing") {
		t.Errorf("missing message error = %q", summary.Results[1].Error)
	}
	if got := summary.Results[2].Value; got == nil || got.Action != negotiation.ActionIgnored {
		t.Errorf("m2 outcome = %+v, want ignored", got)
	}
	if !e.fixture.Inbox.Processed("m1") || !e.fixture.Inbox.Processed("m2") {
		t.Error("handled messages should be labelled")
	}
}

func TestSelectAlternative(t *testing.T) {
	e := newEnv(t)
	busy, _ := interval.OfDuration(e.slot, time.Hour)
	e.fixture.Calendar.SetBusy(busy)
	e.deliver("m1", "t1", "Let's meet then")

	out := e.process(t, "m1")
	if out.Negotiation.State != negotiation.StateNegotiating {
		t.Fatalf("state = %s, want %s", out.Negotiation.State, negotiation.StateNegotiating)
	}
	if len(out.Negotiation.Alternatives) == 0 {
		t.Fatal("no alternatives offered")
	}
	id := out.Negotiation.ID

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{"no option", map[string]interface{}{"negotiationId": id}, "option (a whole number) or start is required"},
		{"fractional option", map[string]interface{}{"negotiationId": id, "option": 1.5}, "option (a whole number)"},
		{"out of range", map[string]interface{}{"negotiationId": id, "option": float64(99)}, "out of range"},
		{"bad start", map[string]interface{}{"negotiationId": id, "start": "tomorrow"}, "invalid start format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := e.call(t, "meeting_select_alternative", tt.args)
			if !result.IsError || !strings.Contains(text, tt.wantErr) {
				t.Errorf("result = %q (error %v), want error containing %q", text, result.IsError, tt.wantErr)
			}
		})
	}

	want := out.Negotiation.Alternatives[0]
	result, text := e.call(t, "meeting_select_alternative", map[string]interface{}{"negotiationId": id, "option": float64(1)})
	if result.IsError {
		t.Fatalf("meeting_select_alternative error: %s", text)
	}
	n := decodeNegotiation(t, text)
	if n.State != negotiation.StateConfirmed || !n.Confirmed.Equal(want) {
		t.Errorf("negotiation = %s %s, want CONFIRMED %s", n.State, n.Confirmed, want)
	}
}

func TestSelectAlternative_ExplicitSlot(t *testing.T) {
	e := newEnv(t)
	busy, _ := interval.OfDuration(e.slot, time.Hour)
	e.fixture.Calendar.SetBusy(busy)
	e.deliver("m1", "t1", "Let's meet then")
	id := e.process(t, "m1").Negotiation.ID

	start := e.slot.Add(3 * time.Hour)
	result, text := e.call(t, "meeting_select_alternative", map[string]interface{}{
		"negotiationId": id,
		"start":         start.Format(time.RFC3339),
	})
	if result.IsError {
		t.Fatalf("meeting_select_alternative error: %s", text)
	}
	n := decodeNegotiation(t, text)
	if !n.Confirmed.Start.Equal(start) || n.Confirmed.Duration() != time.Hour {
		t.Errorf("confirmed = %s, want one hour from %s", n.Confirmed, start)
	}
}

func TestDeclineAndCancel(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Can we meet?")
	e.deliver("m2", "t2", "Shall we meet?")
	first := e.process(t, "m1").Negotiation.ID

	// m2 proposes the same slot; it is still free until m1 is booked.
	second := e.process(t, "m2").Negotiation.ID

	_, text := e.call(t, "meeting_decline", map[string]interface{}{"negotiationId": first, "reason": "busy week"})
	n := decodeNegotiation(t, text)
	if n.State != negotiation.StateDeclined || n.Reason != "busy week" {
		t.Errorf("declined = %s/%s, want DECLINED/busy week", n.State, n.Reason)
	}

	_, text = e.call(t, "meeting_cancel", map[string]interface{}{"negotiationId": second})
	n = decodeNegotiation(t, text)
	if n.State != negotiation.StateDeclined || n.Reason != negotiation.ReasonCancelled {
		t.Errorf("cancelled = %s/%s, want DECLINED/%s", n.State, n.Reason, negotiation.ReasonCancelled)
	}

	result, _ := e.call(t, "meeting_cancel", map[string]interface{}{"negotiationId": second})
	if !result.IsError {
		t.Error("cancelling a terminal negotiation should fail")
	}
	result, text = e.call(t, "meeting_decline", map[string]interface{}{"negotiationId": "missing"})
	if !result.IsError || !strings.Contains(text, "not found") {
		t.Errorf("decline of unknown id = %q, want not found", text)
	}
}

func TestRetry_ResendsUndelivered(t *testing.T) {
	e := newEnv(t)
	e.fixture.Inbox.FailSends(errors.New("smtp down"))
	e.deliver("m1", "t1", "Can we meet?")

	out := e.process(t, "m1")
	if out.Error == "" || out.Hint == "" {
		t.Fatalf("outcome = %+v, want a delivery error with a hint", out)
	}
	if e.fixture.Inbox.Processed("m1") {
		t.Error("a message whose reply failed must not be labelled")
	}
	id := out.Negotiation.ID

	e.fixture.Inbox.FailSends(nil)
	result, text := e.call(t, "meeting_retry", map[string]interface{}{"negotiationId": id})
	if result.IsError {
		t.Fatalf("meeting_retry error: %s", text)
	}
	n := decodeNegotiation(t, text)
	if n.Undelivered || n.State != negotiation.StatePendingConfirm {
		t.Errorf("after retry = %+v, want delivered PENDING_CONFIRM", n)
	}
	if len(e.fixture.Inbox.Sent()) != 1 {
		t.Errorf("sent %d messages, want 1", len(e.fixture.Inbox.Sent()))
	}
}

func TestGetAndListNegotiations(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Can we meet?")
	id := e.process(t, "m1").Negotiation.ID

	result, text := e.call(t, "meeting_get", map[string]interface{}{"negotiationId": id})
	if result.IsError {
		t.Fatalf("meeting_get error: %s", text)
	}
	var n negotiation.Negotiation
	if err := json.Unmarshal([]byte(text), &n); err != nil || n.ID != id {
		t.Fatalf("meeting_get = %s (%v)", text, err)
	}

	tests := []struct {
		name    string
		states  string
		want    int
		wantErr bool
	}{
		{"all", "", 1, false},
		{"matching", "pending_confirm, negotiating", 1, false},
		{"other", "CONFIRMED", 0, false},
		{"unknown", "WAITING", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := e.call(t, "meeting_list_negotiations", map[string]interface{}{"states": tt.states})
			if result.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (%s)", result.IsError, tt.wantErr, text)
			}
			if tt.wantErr {
				return
			}
			var list []negotiation.Negotiation
			if err := json.Unmarshal([]byte(text), &list); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("got %d negotiations, want %d", len(list), tt.want)
			}
		})
	}
}

func TestListTrackedAndReconcile(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Can we meet?")
	id := e.process(t, "m1").Negotiation.ID
	if result, text := e.call(t, "meeting_confirm", map[string]interface{}{"negotiationId": id}); result.IsError {
		t.Fatalf("meeting_confirm error: %s", text)
	}

	_, text := e.call(t, "meeting_list_tracked", map[string]interface{}{"format": "ics"})
	if !strings.HasPrefix(text, "BEGIN:VCALENDAR") || !strings.Contains(text, "STATUS:CONFIRMED") {
		t.Errorf("ics output = %q", text)
	}

	e.fixture.Calendar.RemoveEvents()
	result, text := e.call(t, "meeting_reconcile", nil)
	if result.IsError {
		t.Fatalf("meeting_reconcile error: %s", text)
	}
	var rec reconcileResult
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rec.Flagged) != 1 || len(rec.Cleared) != 0 {
		t.Errorf("reconcile = %+v, want one flagged meeting", rec)
	}

	_, text = e.call(t, "meeting_list_tracked", map[string]interface{}{"staleOnly": true})
	var stale []tracker.Meeting
	if err := json.Unmarshal([]byte(text), &stale); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stale) != 1 || !stale[0].Stale {
		t.Errorf("stale = %+v, want the flagged meeting", stale)
	}

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"bad state", map[string]interface{}{"state": "LOST"}, "unknown state"},
		{"bad format", map[string]interface{}{"format": "xml"}, "unsupported format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := e.call(t, "meeting_list_tracked", tt.args)
			if !result.IsError || !strings.Contains(text, tt.want) {
				t.Errorf("result = %q, want error containing %q", text, tt.want)
			}
		})
	}
}

func TestCancelTracked(t *testing.T) {
	e := newEnv(t)
	e.deliver("m1", "t1", "Can we meet?")
	id := e.process(t, "m1").Negotiation.ID
	result, text := e.call(t, "meeting_confirm", map[string]interface{}{"negotiationId": id})
	if result.IsError {
		t.Fatalf("meeting_confirm error: %s", text)
	}
	meetingID := decodeNegotiation(t, text).MeetingID

	result, text = e.call(t, "meeting_cancel_tracked", map[string]interface{}{"meetingId": meetingID})
	if result.IsError {
		t.Fatalf("meeting_cancel_tracked error: %s", text)
	}
	var m tracker.Meeting
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.State != tracker.StateCancelled || m.EventID != "" {
		t.Errorf("meeting = %+v, want cancelled without event", m)
	}
	if e.fixture.Calendar.Events() != 0 {
		t.Errorf("calendar events = %d, want 0", e.fixture.Calendar.Events())
	}

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing id", nil, "meetingId is required"},
		{"already cancelled", map[string]interface{}{"meetingId": meetingID}, "only confirmed meetings"},
		{"unknown", map[string]interface{}{"meetingId": "nope"}, "meeting not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := e.call(t, "meeting_cancel_tracked", tt.args)
			if !result.IsError || !strings.Contains(text, tt.want) {
				t.Errorf("result = %q, want error containing %q", text, tt.want)
			}
		})
	}
}

func TestParseStates(t *testing.T) {
	states, err := parseStates(" held ,EXPIRED,,")
	if err != nil {
		t.Fatalf("parseStates() error = %v", err)
	}
	if len(states) != 2 || states[0] != negotiation.StateHeld || states[1] != negotiation.StateExpired {
		t.Errorf("parseStates() = %v", states)
	}
}
