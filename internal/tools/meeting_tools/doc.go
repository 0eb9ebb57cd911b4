// Package meeting_tools provides MCP tools that drive the meeting
// negotiation engine.
//
// Negotiation tools:
//   - meeting_process_email: Feed a Gmail message to the engine
//   - meeting_confirm: Approve the requested slot and book it
//   - meeting_select_alternative: Pick an offered alternative or an explicit slot
//   - meeting_decline: End a negotiation with a reason
//   - meeting_cancel: Cancel a negotiation, rolling back a booking in flight
//   - meeting_retry: Resend an undelivered email or resume a held negotiation
//   - meeting_get: Show one negotiation
//   - meeting_list_negotiations: List negotiations, optionally by state
//
// Tracker tools:
//   - meeting_list_tracked: List tracked meetings as JSON or iCalendar
//   - meeting_reconcile: Flag confirmed meetings missing from the calendar
//   - meeting_cancel_tracked: Cancel a confirmed meeting and delete its event
//
// Every tool accepts an optional account argument and is wrapped with the
// instrumented handler from package common.
package meeting_tools
