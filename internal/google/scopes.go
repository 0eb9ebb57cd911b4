package google

import (
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
)

// DefaultOAuthScopes are the scopes the scheduler needs:
//   - Gmail: read and label inbound mail, send replies
//   - Calendar: free/busy queries and event insert/delete
var DefaultOAuthScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	gmail.GmailModifyScope,
	gmail.GmailSendScope,
	calendar.CalendarScope,
}
