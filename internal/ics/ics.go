// Package ics exports tracked meetings as an iCalendar feed.
package ics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/teemow/inboxmeet/internal/tracker"
)

// ProductID identifies exported calendars.
const ProductID = "-//inboxmeet//meetings//EN"

// ErrNoMeetings is returned when there is nothing to export.
var ErrNoMeetings = errors.New("no meetings to export")

// Options controls which meetings are exported.
type Options struct {
	// IncludeInactive also exports declined, expired and cancelled meetings
	// as CANCELLED events.
	IncludeInactive bool
	// Now stamps DTSTAMP. It defaults to time.Now.
	Now func() time.Time
}

// Calendar builds an iCalendar object from meetings, ordered by start time.
func Calendar(meetings []tracker.Meeting, opts Options) (*ical.Calendar, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	selected := make([]tracker.Meeting, 0, len(meetings))
	for _, m := range meetings {
		if m.State.Active() || opts.IncludeInactive {
			selected = append(selected, m)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNoMeetings
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Interval.Less(selected[j].Interval)
	})

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	stamp := now().UTC()
	for _, m := range selected {
		cal.Children = append(cal.Children, event(m, stamp))
	}
	return cal, nil
}

// Export writes meetings to w as an iCalendar stream.
func Export(w io.Writer, meetings []tracker.Meeting, opts Options) error {
	cal, err := Calendar(meetings, opts)
	if err != nil {
		return err
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

func event(m tracker.Meeting, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, m.ID+"@inboxmeet")
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ve.Props.SetDateTime(ical.PropDateTimeStart, m.Interval.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, m.Interval.End.UTC())
	ve.Props.SetText(ical.PropStatus, status(m.State))

	summary := "Meeting"
	if m.Subject != "" {
		summary = "Meeting: " + m.Subject
	}
	ve.Props.SetText(ical.PropSummary, summary)

	if m.Stale {
		ve.Props.SetText(ical.PropDescription, "No longer found in the external calendar.")
	}
	for _, addr := range m.Participants {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + addr
		ve.Props.Add(p)
	}
	return ve
}

func status(s tracker.State) string {
	switch s {
	case tracker.StateConfirmed:
		return "CONFIRMED"
	case tracker.StatePendingConfirm:
		return "TENTATIVE"
	default:
		return "CANCELLED"
	}
}
