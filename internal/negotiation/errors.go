package negotiation

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown negotiation ids.
var ErrNotFound = errors.New("negotiation not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("negotiation engine closed")

// TransitionError reports an operation that is not valid in the current state.
type TransitionError struct {
	ID    string
	State State
	Op    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s negotiation %s in state %s", e.Op, e.ID, e.State)
}

// CalendarFetchError reports that the calendar could not be read after all
// retry attempts. The negotiation is HELD.
type CalendarFetchError struct {
	Attempts uint
	Err      error
}

func (e *CalendarFetchError) Error() string {
	return fmt.Sprintf("calendar fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CalendarFetchError) Unwrap() error { return e.Err }

// CalendarWriteError reports that a calendar event could not be created or
// deleted. A failed creation rolls back its reservation; a failed deletion
// leaves the meeting booked.
type CalendarWriteError struct {
	// Op is "creation" or "deletion".
	Op  string
	Err error
}

func (e *CalendarWriteError) Error() string {
	return fmt.Sprintf("calendar event %s failed: %v", e.Op, e.Err)
}

func (e *CalendarWriteError) Unwrap() error { return e.Err }

// DeliveryError reports that an outbound email was not sent. The negotiation
// keeps its state until Retry.
type DeliveryError struct {
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver email to %s: %v", e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
