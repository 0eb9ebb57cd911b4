// Package google_tools provides the MCP tools that authorize an account.
//
// One token per account covers Gmail (read, label, send) and Google
// Calendar (free/busy, events):
//  1. google_get_auth_url returns the consent URL
//  2. the user grants access and copies the code
//  3. google_save_auth_code stores the token
//
// google_auth_status reports whether an account has a token. Refreshed
// tokens are written back to the token file.
package google_tools
