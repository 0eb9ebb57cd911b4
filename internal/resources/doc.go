// Package resources provides MCP resources for the meetings of the configured
// account. Resources are read-only data sources that MCP clients can fetch
// without calling a tool: the open negotiations and the tracked meetings as
// an iCalendar feed.
package resources
