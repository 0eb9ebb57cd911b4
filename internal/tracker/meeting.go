// Package tracker is the durable index of meetings known to the engine. It
// guarantees that no two active meetings overlap.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/teemow/inboxmeet/internal/interval"
)

// State is the lifecycle state of a tracked meeting.
type State string

const (
	StatePendingConfirm State = "PENDING_CONFIRM"
	StateConfirmed      State = "CONFIRMED"
	StateDeclined       State = "DECLINED"
	StateExpired        State = "EXPIRED"
	StateCancelled      State = "CANCELLED"
)

// Active reports whether meetings in this state hold their interval.
func (s State) Active() bool {
	return s == StatePendingConfirm || s == StateConfirmed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePendingConfirm, StateConfirmed, StateDeclined, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Meeting is a tracked meeting record.
type Meeting struct {
	ID           string                `json:"id"`
	Interval     interval.TimeInterval `json:"interval"`
	Participants []string              `json:"participants,omitempty"`
	State        State                 `json:"state"`
	// ProposalRef is the message the meeting was proposed in.
	ProposalRef string `json:"proposal_ref,omitempty"`
	Subject     string `json:"subject,omitempty"`
	// EventID is the external calendar event, set once the meeting is booked.
	EventID string `json:"event_id,omitempty"`
	// Stale marks a confirmed meeting that no longer appears in the external
	// calendar. It is surfaced to the user, never acted on.
	Stale     bool      `json:"stale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Meeting) clone() Meeting {
	m.Participants = append([]string(nil), m.Participants...)
	return m
}

// ErrNotFound is returned for unknown meeting ids.
var ErrNotFound = errors.New("meeting not found")

// ErrNotCancellable is returned when cancelling a meeting that is not confirmed.
var ErrNotCancellable = errors.New("only confirmed meetings can be cancelled")

// OverlapError is returned when an active meeting would overlap another.
type OverlapError struct {
	Meeting  Meeting
	Existing Meeting
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("meeting %s (%s) overlaps active meeting %s (%s)",
		e.Meeting.ID, e.Meeting.Interval, e.Existing.ID, e.Existing.Interval)
}

// StoreError wraps persistence failures.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("tracker store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
