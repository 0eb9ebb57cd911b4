package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxmeet/internal/interval"
	"github.com/teemow/inboxmeet/internal/tracker"
)

var stamp = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

func meeting(t *testing.T, id string, state tracker.State, start time.Time) tracker.Meeting {
	t.Helper()
	iv, err := interval.OfDuration(start, time.Hour)
	require.NoError(t, err)
	return tracker.Meeting{
		ID:           id,
		Interval:     iv,
		State:        state,
		Subject:      "Sync " + id,
		Participants: []string{"alice@example.com"},
	}
}

func fixtures(t *testing.T) []tracker.Meeting {
	day := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	stale := meeting(t, "m3", tracker.StateConfirmed, day.Add(9*time.Hour))
	stale.Stale = true
	return []tracker.Meeting{
		meeting(t, "m1", tracker.StateConfirmed, day.Add(14*time.Hour)),
		meeting(t, "m2", tracker.StatePendingConfirm, day.Add(11*time.Hour)),
		stale,
		meeting(t, "m4", tracker.StateCancelled, day.Add(16*time.Hour)),
	}
}

func TestExport(t *testing.T) {
	var buf bytes.Buffer
	err := Export(&buf, fixtures(t), Options{Now: func() time.Time { return stamp }})
	require.NoError(t, err)

	cal, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)

	prodID, err := cal.Props.Text(ical.PropProductID)
	require.NoError(t, err)
	assert.Equal(t, ProductID, prodID)

	events := cal.Events()
	require.Len(t, events, 3, "inactive meetings are skipped by default")

	var uids []string
	for _, e := range events {
		uid, err := e.Props.Text(ical.PropUID)
		require.NoError(t, err)
		uids = append(uids, uid)
	}
	assert.Equal(t, []string{"m3@inboxmeet", "m2@inboxmeet", "m1@inboxmeet"}, uids, "ordered by start")

	first := events[0]
	start, err := first.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)))
	desc, err := first.Props.Text(ical.PropDescription)
	require.NoError(t, err)
	assert.Contains(t, desc, "No longer found")

	status, err := events[1].Props.Text(ical.PropStatus)
	require.NoError(t, err)
	assert.Equal(t, "TENTATIVE", status)

	summary, err := events[2].Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Meeting: Sync m1", summary)

	attendee := events[2].Props.Get(ical.PropAttendee)
	require.NotNil(t, attendee)
	assert.Equal(t, "mailto:alice@example.com", attendee.Value)
}

func TestExport_IncludeInactive(t *testing.T) {
	cal, err := Calendar(fixtures(t), Options{IncludeInactive: true, Now: func() time.Time { return stamp }})
	require.NoError(t, err)

	events := cal.Events()
	require.Len(t, events, 4)
	status, err := events[3].Props.Text(ical.PropStatus)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", status)
}

func TestExport_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := Export(&buf, nil, Options{})
	assert.ErrorIs(t, err, ErrNoMeetings)

	only := []tracker.Meeting{meeting(t, "m9", tracker.StateExpired, stamp)}
	err = Export(&buf, only, Options{})
	assert.ErrorIs(t, err, ErrNoMeetings)
	assert.Zero(t, buf.Len())
}

func TestExport_Wire(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, fixtures(t)[:1], Options{Now: func() time.Time { return stamp }}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR\r\n"))
	assert.Contains(t, out, "DTSTART:20250304T140000Z\r\n")
	assert.Contains(t, out, "DTSTAMP:20250303T080000Z\r\n")
	assert.Contains(t, out, "STATUS:CONFIRMED\r\n")
}
