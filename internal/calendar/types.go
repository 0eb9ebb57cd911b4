package calendar

import (
	"fmt"
	"strings"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/negotiation"
)

// busyIntervals converts a free/busy entry. Per-calendar errors such as
// notFound are reported instead of being read as an empty calendar.
func busyIntervals(calendarID string, fb calendar.FreeBusyCalendar) ([]interval.TimeInterval, error) {
	if len(fb.Errors) > 0 {
		reasons := make([]string, 0, len(fb.Errors))
		for _, e := range fb.Errors {
			reasons = append(reasons, e.Reason)
		}
		return nil, fmt.Errorf("freebusy for calendar %s failed: %s", calendarID, strings.Join(reasons, ", "))
	}

	out := make([]interval.TimeInterval, 0, len(fb.Busy))
	for _, p := range fb.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid busy start %q: %w", p.Start, err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("invalid busy end %q: %w", p.End, err)
		}
		iv, err := interval.New(start, end)
		if err != nil {
			// Zero-length blocks hold no time.
			continue
		}
		out = append(out, iv)
	}
	return out, nil
}

// EventID maps a meeting id to a Calendar event id. Event ids use the
// base32hex alphabet, which covers a lowercase UUID without its dashes.
func EventID(meetingID string) string {
	return strings.ToLower(strings.ReplaceAll(meetingID, "-", ""))
}

// eventFromRequest builds a timed event; the engine never books all-day events.
func eventFromRequest(req negotiation.EventRequest, timeZone string) *calendar.Event {
	if timeZone == "" {
		timeZone = "UTC"
	}
	event := &calendar.Event{
		Id:          EventID(req.ID),
		Summary:     req.Summary,
		Description: req.Description,
		Start: &calendar.EventDateTime{
			DateTime: req.Interval.Start.Format(time.RFC3339),
			TimeZone: timeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: req.Interval.End.Format(time.RFC3339),
			TimeZone: timeZone,
		},
	}
	for _, email := range req.Participants {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
	}
	return event
}
