package server_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/server/servertest"
)

func pollFixture(t *testing.T) *servertest.Fixture {
	t.Helper()
	slot := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	return servertest.NewFixture(t, "default", servertest.Script{
		"meet": servertest.Proposal(slot, time.Hour),
	})
}

func email(id, thread, body string, received time.Time) negotiation.Email {
	return negotiation.Email{
		MessageID:  id,
		RFC822ID:   "<" + id + "@mail.example.com>",
		ThreadID:   thread,
		From:       "Alice <alice@example.com>",
		Subject:    "Sync",
		Body:       body,
		ReceivedAt: received,
	}
}

func TestPoller_Poll(t *testing.T) {
	f := pollFixture(t)
	now := time.Now()
	f.Inbox.Deliver(email("m1", "t1", "Let's meet then", now))
	f.Inbox.Deliver(email("m2", "t2", "Quarterly newsletter", now))

	sc := servertest.NewContext(t, f)
	health := server.NewHealthChecker(sc)

	var notified atomic.Int32
	p := server.NewPoller(f.Account, server.PollOptions{Concurrency: 2, MarkProcessed: true},
		server.WithPollLogger(servertest.Discard()),
		server.WithHealthChecker(health),
		server.WithResultHandler(func(server.MessageResult) { notified.Add(1) }))

	s, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if s.Listed != 2 || s.Handled != 2 || s.Failed != 0 {
		t.Errorf("summary = %d listed, %d handled, %d failed, want 2/2/0", s.Listed, s.Handled, s.Failed)
	}
	if s.Actions[negotiation.ActionCreated] != 1 || s.Actions[negotiation.ActionIgnored] != 1 {
		t.Errorf("actions = %v, want one created and one ignored", s.Actions)
	}
	if len(s.Results) != 2 || s.Results[0].MessageID != "m1" || s.Results[1].MessageID != "m2" {
		t.Errorf("results not in listing order: %+v", s.Results)
	}
	if got := notified.Load(); got != 2 {
		t.Errorf("result handler called %d times, want 2", got)
	}
	if !f.Inbox.Processed("m1") || !f.Inbox.Processed("m2") {
		t.Error("handled messages should be marked processed")
	}

	again, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if again.Listed != 0 {
		t.Errorf("second poll listed %d messages, want 0", again.Listed)
	}

	rec := get(t, health.DetailedHealthHandler(), "/healthz/detailed")
	if rec.Code != 200 {
		t.Fatalf("detailed status = %d", rec.Code)
	}
}

func TestPoller_LabelsRecordedFailures(t *testing.T) {
	f := pollFixture(t)
	f.Inbox.Deliver(email("m1", "t1", "Let's meet then", time.Now()))
	f.Inbox.FailSends(errors.New("smtp down"))

	p := server.NewPoller(f.Account, server.PollOptions{MarkProcessed: true},
		server.WithPollLogger(servertest.Discard()))
	s, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	var delivery *negotiation.DeliveryError
	if s.Failed != 1 || !errors.As(s.Results[0].Err, &delivery) {
		t.Fatalf("results = %+v, want one delivery failure", s.Results)
	}
	if !f.Inbox.Processed("m1") {
		t.Error("a message whose negotiation was recorded should be labelled")
	}

	f.Inbox.Deliver(email("m2", "t2", "Let's meet then", time.Now()))
	f.Account.Engine.Close()
	s, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if s.Failed != 1 || !errors.Is(s.Results[0].Err, negotiation.ErrClosed) {
		t.Fatalf("results = %+v, want ErrClosed", s.Results)
	}
	if f.Inbox.Processed("m2") {
		t.Error("a message the engine did not take must stay unlabelled")
	}
}

func TestPoller_ThreadOrder(t *testing.T) {
	f := pollFixture(t)
	now := time.Now()
	// Listed newest first, as Gmail does.
	f.Inbox.Deliver(email("m2", "t1", "Let's meet then", now))
	f.Inbox.Deliver(email("m1", "t1", "Let's meet then", now.Add(-time.Hour)))

	p := server.NewPoller(f.Account, server.PollOptions{Concurrency: 4},
		server.WithPollLogger(servertest.Discard()))
	s, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	got := map[string]negotiation.Action{}
	for _, r := range s.Results {
		got[r.MessageID] = r.Outcome.Action
	}
	if got["m1"] != negotiation.ActionCreated {
		t.Errorf("m1 action = %q, want %q", got["m1"], negotiation.ActionCreated)
	}
	if got["m2"] != negotiation.ActionFollowUp {
		t.Errorf("m2 action = %q, want %q", got["m2"], negotiation.ActionFollowUp)
	}
	if f.Inbox.Processed("m1") {
		t.Error("messages must not be labelled unless MarkProcessed is set")
	}
}

func TestPoller_Run(t *testing.T) {
	f := pollFixture(t)
	f.Inbox.Deliver(email("m1", "t1", "Let's meet then", time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan struct{}, 1)
	p := server.NewPoller(f.Account, server.PollOptions{MarkProcessed: true},
		server.WithPollLogger(servertest.Discard()),
		server.WithResultHandler(func(server.MessageResult) {
			select {
			case handled <- struct{}{}:
			default:
			}
		}))

	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not poll immediately")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if !f.Inbox.Processed("m1") {
		t.Error("m1 should be marked processed")
	}
}
