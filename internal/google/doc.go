// Package google manages the OAuth2 tokens of the Gmail and Calendar APIs.
//
// Tokens are stored per account under the user cache directory
// (~/.cache/inboxmeet/google-<account>.token). API clients obtain a
// refreshing oauth2.TokenSource from a TokenProvider; the FileTokenProvider
// writes refreshed tokens back to the account's file.
package google
