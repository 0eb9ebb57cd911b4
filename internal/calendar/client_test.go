package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/negotiation"
)

type apiServer struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *apiServer) {
	t.Helper()
	api := &apiServer{bodies: map[string][]byte{}, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		key := r.Method + " " + r.URL.Path
		api.requests = append(api.requests, key)
		api.bodies[key] = body
		api.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		api.handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := newClient(context.Background(), "work", []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithHTTPClient(srv.Client()),
	}, WithTimeZone("Asia/Dubai"))
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	return c, api
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": http.StatusText(status)},
	})
}

func window(t *testing.T) interval.TimeInterval {
	t.Helper()
	start := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	iv, err := interval.New(start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return iv
}

func TestFetchBusy(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/freeBusy" {
			apiError(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"busy": []map[string]string{
						{"start": "2025-03-04T10:00:00Z", "end": "2025-03-04T11:00:00Z"},
						{"start": "2025-03-04T16:00:00+04:00", "end": "2025-03-04T17:00:00+04:00"},
						{"start": "2025-03-04T18:00:00Z", "end": "2025-03-04T18:00:00Z"},
					},
				},
			},
		})
	})

	busy, err := c.FetchBusy(context.Background(), window(t))
	if err != nil {
		t.Fatalf("FetchBusy() error = %v", err)
	}
	if len(busy) != 2 {
		t.Fatalf("FetchBusy() returned %d blocks, want 2 (zero-length dropped)", len(busy))
	}
	if !busy[1].Start.Equal(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("second block start = %v, want 12:00 UTC", busy[1].Start)
	}

	var req calendar.FreeBusyRequest
	if err := json.Unmarshal(api.bodies["POST /freeBusy"], &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.TimeMin != "2025-03-04T00:00:00Z" || req.TimeMax != "2025-03-05T00:00:00Z" {
		t.Errorf("request window = %s..%s", req.TimeMin, req.TimeMax)
	}
	if len(req.Items) != 1 || req.Items[0].Id != DefaultCalendarID {
		t.Errorf("request items = %+v, want primary", req.Items)
	}
}

func TestFetchBusy_CalendarError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"errors": []map[string]string{{"domain": "global", "reason": "notFound"}},
				},
			},
		})
	})

	_, err := c.FetchBusy(context.Background(), window(t))
	if err == nil || !strings.Contains(err.Error(), "notFound") {
		t.Fatalf("FetchBusy() error = %v, want notFound", err)
	}
}

func TestFetchBusy_InvalidWindow(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusInternalServerError)
	})

	_, err := c.FetchBusy(context.Background(), interval.TimeInterval{})
	if !errors.Is(err, interval.ErrInvalidInterval) {
		t.Errorf("FetchBusy() error = %v, want ErrInvalidInterval", err)
	}
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Error("invalid window should be permanent")
	}
	if len(api.requests) != 0 {
		t.Errorf("no request expected, got %v", api.requests)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"forbidden", http.StatusForbidden, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.status)
			})
			_, err := c.FetchBusy(context.Background(), window(t))
			if err == nil {
				t.Fatal("FetchBusy() should fail")
			}
			var perm *backoff.PermanentError
			if got := errors.As(err, &perm); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (err = %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestCreateEvent(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calendars/primary/events" {
			apiError(w, http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("sendUpdates") != "all" {
			apiError(w, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "evt-1"})
	})

	start := time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)
	iv, _ := interval.OfDuration(start, 30*time.Minute)
	id, err := c.CreateEvent(context.Background(), negotiation.EventRequest{
		Interval:     iv,
		Participants: []string{"alice@example.com", "bob@example.com"},
		Summary:      "Meeting: Sync",
		Description:  "Automatically scheduled from email",
	})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	if id != "evt-1" {
		t.Errorf("CreateEvent() id = %q, want evt-1", id)
	}

	var event calendar.Event
	if err := json.Unmarshal(api.bodies["POST /calendars/primary/events"], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Summary != "Meeting: Sync" {
		t.Errorf("summary = %q", event.Summary)
	}
	if event.Start.DateTime != "2025-03-04T14:00:00Z" || event.End.DateTime != "2025-03-04T14:30:00Z" {
		t.Errorf("times = %s..%s", event.Start.DateTime, event.End.DateTime)
	}
	if event.Start.Date != "" {
		t.Error("event should not be all-day")
	}
	if event.Start.TimeZone != "Asia/Dubai" {
		t.Errorf("time zone = %q, want Asia/Dubai", event.Start.TimeZone)
	}
	if len(event.Attendees) != 2 || event.Attendees[0].Email != "alice@example.com" {
		t.Errorf("attendees = %+v", event.Attendees)
	}
	if event.Id != "" {
		t.Errorf("event id = %q, want server-assigned", event.Id)
	}
}

func TestCreateEvent_IdempotentInsert(t *testing.T) {
	const meetingID = "0f8fad5b-d9cb-469f-a165-70867728950e"
	var mu sync.Mutex
	stored := map[string]bool{}
	c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var event calendar.Event
		_ = json.NewDecoder(r.Body).Decode(&event)
		mu.Lock()
		defer mu.Unlock()
		if stored[event.Id] {
			apiError(w, http.StatusConflict)
			return
		}
		stored[event.Id] = true
		writeJSON(w, http.StatusOK, map[string]string{"id": event.Id})
	})

	iv, _ := interval.OfDuration(time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC), time.Hour)
	req := negotiation.EventRequest{ID: meetingID, Interval: iv, Summary: "Meeting: Sync"}
	want := "0f8fad5bd9cb469fa16570867728950e"

	for i := 0; i < 2; i++ {
		id, err := c.CreateEvent(context.Background(), req)
		if err != nil {
			t.Fatalf("CreateEvent() #%d error = %v", i+1, err)
		}
		if id != want {
			t.Errorf("CreateEvent() #%d id = %q, want %q", i+1, id, want)
		}
	}
	if len(api.requests) != 2 || len(stored) != 1 {
		t.Errorf("requests = %v, stored = %v, want one event", api.requests, stored)
	}
}

func TestDeleteEvent(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"deleted", http.StatusNoContent, false},
		{"already gone", http.StatusGone, false},
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, api := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusNoContent {
					w.WriteHeader(tt.status)
					return
				}
				apiError(w, tt.status)
			})
			err := c.DeleteEvent(context.Background(), "evt-1")
			if (err != nil) != tt.wantErr {
				t.Errorf("DeleteEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(api.requests) != 1 || api.requests[0] != "DELETE /calendars/primary/events/evt-1" {
				t.Errorf("requests = %v", api.requests)
			}
		})
	}

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := c.DeleteEvent(context.Background(), ""); err == nil {
		t.Error("DeleteEvent() should reject an empty id")
	}
}

func TestOptions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if c.Account() != "work" {
		t.Errorf("Account() = %q, want work", c.Account())
	}
	if c.CalendarID() != DefaultCalendarID {
		t.Errorf("CalendarID() = %q, want primary", c.CalendarID())
	}

	WithCalendarID("")(c)
	if c.CalendarID() != DefaultCalendarID {
		t.Error("empty calendar id should keep the default")
	}
	WithCalendarID("team@group.calendar.google.com")(c)
	if c.CalendarID() != "team@group.calendar.google.com" {
		t.Errorf("CalendarID() = %q", c.CalendarID())
	}
}

func TestHasTokenForAccount(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	if HasTokenForAccount("") {
		t.Error("Expected false for empty account name")
	}
	if HasTokenForAccount("nobody") {
		t.Error("Expected false for an account without a token")
	}
}
