// Package gmail provides a client for interacting with the Gmail API.
//
// The Client covers what the meeting engine needs from a mailbox:
//   - listing inbox messages by query and reading them as engine emails
//   - sending and replying (it implements negotiation.Mailer)
//   - labelling handled messages with ProcessedLabel
//
// Replies carry In-Reply-To and References headers so they thread in the
// recipient's client, and the account's Gmail signature is appended.
//
// Example usage:
//
//	client, err := gmail.NewClientForAccount(ctx, "default")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ids, err := client.ListMessageIDs(ctx, gmail.DefaultQuery, 25)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, id := range ids {
//	    email, err := client.GetEmail(ctx, id)
//	    ...
//	}
package gmail
