// Package cmd implements the command-line interface for inboxmeet.
//
// This package provides the following commands:
//   - serve: Start the MCP server, optionally polling the inbox in the background
//   - process: Scan the inbox once or repeatedly and feed messages to the engine
//   - meetings: List tracked meetings or export them as iCalendar
//   - auth: Authorize a Google account from the terminal
//   - version: Display version information
//   - generate-docs: Generate markdown documentation for all MCP tools
//
// Without a subcommand the help is printed.
package cmd
