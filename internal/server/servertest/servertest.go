// Package servertest provides in-memory accounts for testing code built on
// server.ServerContext.
package servertest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teemow/inboxmeet/internal/availability"
	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/intent"
	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/negotiation"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tracker"
)

// UserEmail is the address of every fake account.
const UserEmail = "me@example.com"

// Calendar is an in-memory negotiation.Calendar.
type Calendar struct {
	mu     sync.Mutex
	busy   []interval.TimeInterval
	events map[string]negotiation.EventRequest
	seq    int
}

// NewCalendar returns an empty calendar.
func NewCalendar() *Calendar {
	return &Calendar{events: make(map[string]negotiation.EventRequest)}
}

// SetBusy replaces the busy blocks that are not backed by events.
func (c *Calendar) SetBusy(ivs ...interval.TimeInterval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = append([]interval.TimeInterval(nil), ivs...)
}

// FetchBusy implements negotiation.Calendar.
func (c *Calendar) FetchBusy(_ context.Context, window interval.TimeInterval) ([]interval.TimeInterval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interval.TimeInterval
	for _, iv := range c.busy {
		if iv.Overlaps(window) {
			out = append(out, iv)
		}
	}
	for _, ev := range c.events {
		if ev.Interval.Overlaps(window) {
			out = append(out, ev.Interval)
		}
	}
	return out, nil
}

// CreateEvent implements negotiation.Calendar.
func (c *Calendar) CreateEvent(_ context.Context, req negotiation.EventRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("event-%d", c.seq)
	c.events[id] = req
	return id, nil
}

// DeleteEvent implements negotiation.Calendar.
func (c *Calendar) DeleteEvent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, id)
	return nil
}

// RemoveEvents drops every event, as if deleted outside the engine.
func (c *Calendar) RemoveEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string]negotiation.EventRequest)
}

// Events returns the number of booked events.
func (c *Calendar) Events() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Inbox is an in-memory server.Inbox.
type Inbox struct {
	mu        sync.Mutex
	messages  map[string]negotiation.Email
	order     []string
	processed map[string]bool
	sent      []negotiation.Outbound
	sendErr   error
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{messages: make(map[string]negotiation.Email), processed: make(map[string]bool)}
}

// Deliver adds em to the inbox.
func (b *Inbox) Deliver(em negotiation.Email) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[em.MessageID]; !ok {
		b.order = append(b.order, em.MessageID)
	}
	b.messages[em.MessageID] = em
}

// FailSends makes Send return err until called again with nil.
func (b *Inbox) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// ListMessageIDs returns unprocessed messages in delivery order. The query is
// ignored.
func (b *Inbox) ListMessageIDs(_ context.Context, _ string, max int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, id := range b.order {
		if b.processed[id] {
			continue
		}
		ids = append(ids, id)
		if max > 0 && int64(len(ids)) >= max {
			break
		}
	}
	return ids, nil
}

// GetEmail returns a delivered message.
func (b *Inbox) GetEmail(_ context.Context, id string) (negotiation.Email, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	em, ok := b.messages[id]
	if !ok {
		return negotiation.Email{}, fmt.Errorf("message %s not found", id)
	}
	return em, nil
}

// MarkProcessed hides the message from ListMessageIDs.
func (b *Inbox) MarkProcessed(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed[id] = true
	return nil
}

// Processed reports whether id was marked processed.
func (b *Inbox) Processed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed[id]
}

// Send records msg and returns its thread, or a new one.
func (b *Inbox) Send(_ context.Context, msg negotiation.Outbound) (negotiation.Sent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return negotiation.Sent{}, b.sendErr
	}
	b.sent = append(b.sent, msg)
	out := negotiation.Sent{MessageID: fmt.Sprintf("out-%d", len(b.sent)), ThreadID: msg.ThreadID}
	if out.ThreadID == "" {
		out.ThreadID = fmt.Sprintf("sent-%d", len(b.sent))
	}
	return out, nil
}

// Sent returns a copy of every delivered outbound message.
func (b *Inbox) Sent() []negotiation.Outbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]negotiation.Outbound(nil), b.sent...)
}

// Script answers Understand with the understanding registered for the
// first key contained in the text. Unknown text carries no proposal.
type Script map[string]intent.Understanding

// Understand implements intent.Understander.
func (s Script) Understand(_ context.Context, text string) (intent.Understanding, error) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(text, k) {
			return s[k], nil
		}
	}
	return intent.Understanding{}, nil
}

// Proposal is an understanding for one confident mention at start. The
// text using it still needs meeting vocabulary to pass the threshold.
func Proposal(start time.Time, d time.Duration) intent.Understanding {
	return intent.Understanding{
		Mentions:   []intent.TimeMention{{Start: start.Format(time.RFC3339)}},
		Duration:   d,
		Confidence: 0.9,
	}
}

// Fixture is one fake account and its collaborators.
type Fixture struct {
	Account  *server.Account
	Calendar *Calendar
	Inbox    *Inbox
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewFixture builds an account on in-memory collaborators. The engine runs
// on the real clock in UTC.
func NewFixture(tb testing.TB, name string, script Script) *Fixture {
	tb.Helper()
	ctx := context.Background()
	logger := Discard()

	tr, err := tracker.New(ctx, tracker.NewMemoryStore(), tracker.WithLogger(logger))
	if err != nil {
		tb.Fatalf("tracker.New() error = %v", err)
	}
	f := &Fixture{Calendar: NewCalendar(), Inbox: NewInbox()}
	engine, err := negotiation.NewEngine(negotiation.Deps{
		Extractor: intent.NewExtractor(script, intent.Config{Location: time.UTC}, logger),
		Resolver:  availability.NewResolver(availability.DefaultConfig(time.UTC)),
		Tracker:   tr,
		Calendar:  f.Calendar,
		Mailer:    f.Inbox,
	}, negotiation.Config{
		UserEmail:    UserEmail,
		Account:      name,
		FetchBackoff: time.Millisecond,
	}, negotiation.WithLogger(logger))
	if err != nil {
		tb.Fatalf("negotiation.NewEngine() error = %v", err)
	}
	f.Account = server.NewAccount(name, UserEmail, f.Inbox, engine, nil)
	return f
}

// NewContext returns a ServerContext serving the given fixtures by name.
// Unknown accounts fail with server.ErrNotAuthenticated.
func NewContext(tb testing.TB, fixtures ...*Fixture) *server.ServerContext {
	tb.Helper()
	byName := make(map[string]*Fixture, len(fixtures))
	for _, f := range fixtures {
		byName[f.Account.Name] = f
	}
	cfg := config.Default()
	cfg.Store.Type = tracker.StoreTypeMemory
	cfg.Store.Dir = ""
	cfg.Timezone = "UTC"

	sc, err := server.NewServerContext(context.Background(), cfg,
		server.WithLogger(Discard()),
		server.WithAccountFactory(func(_ context.Context, name string) (*server.Account, error) {
			f, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", server.ErrNotAuthenticated, name)
			}
			return f.Account, nil
		}))
	if err != nil {
		tb.Fatalf("server.NewServerContext() error = %v", err)
	}
	tb.Cleanup(func() { _ = sc.Shutdown() })
	return sc
}
