package negotiation

import (
	"context"
	"time"

	"github.com/teemow/inboxmeet/internal/interval"
)

// Calendar is the external calendar. Every method may fail transiently.
type Calendar interface {
	// FetchBusy returns the busy blocks inside window.
	FetchBusy(ctx context.Context, window interval.TimeInterval) ([]interval.TimeInterval, error)
	// CreateEvent books req and returns the event id.
	CreateEvent(ctx context.Context, req EventRequest) (string, error)
	// DeleteEvent removes an event created by CreateEvent.
	DeleteEvent(ctx context.Context, eventID string) error
}

// EventRequest describes a calendar event to create.
type EventRequest struct {
	// ID is the tracker meeting the event books. Creating the same ID
	// again must not produce a second event.
	ID           string
	Interval     interval.TimeInterval
	Participants []string
	Summary      string
	Description  string
}

// Mailer sends outbound email. Failures are reported, never retried here.
type Mailer interface {
	// Send delivers msg and reports the message and thread it landed on.
	Send(ctx context.Context, msg Outbound) (Sent, error)
}

// Sent identifies a delivered message.
type Sent struct {
	MessageID string
	ThreadID  string
}

// GeneratedHeader marks mail written by the engine. Its value is the
// negotiation id.
const GeneratedHeader = "X-Inboxmeet-Negotiation"

// Outbound is an email the engine wants delivered.
type Outbound struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id,omitempty"`
	// InReplyTo is the Message-ID header of the email being answered.
	InReplyTo string `json:"in_reply_to,omitempty"`
	// Negotiation is written as GeneratedHeader.
	Negotiation string `json:"negotiation,omitempty"`
}

// Email is an inbound message handed to the engine.
type Email struct {
	MessageID string
	// RFC822ID is the Message-ID header, used for reply threading.
	RFC822ID   string
	ThreadID   string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
	// Generated is set for mail carrying GeneratedHeader, i.e. the engine's
	// own messages read back from the mailbox.
	Generated bool
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }
