// Package common provides helpers shared by the MCP tool packages: account
// selection, JSON results and the instrumented handler wrapper that records
// tool metrics and audit log entries.
package common
