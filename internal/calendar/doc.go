// Package calendar adapts the Google Calendar API to the negotiation engine.
//
// The Client reads free/busy blocks for one calendar and creates or deletes
// the events of confirmed meetings. Client errors (4xx other than 408 and
// 429) are returned as permanent so callers do not retry them.
//
// Example usage:
//
//	client, err := calendar.NewClientForAccount(ctx, "work",
//	    calendar.WithTimeZone("Asia/Dubai"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	busy, err := client.FetchBusy(ctx, window)
package calendar
