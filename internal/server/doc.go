// Package server holds the runtime shared by the MCP server, the inbox
// poller and the CLI.
//
// ServerContext lazily builds one Account per Google account name: a Gmail
// inbox, a Calendar client, a meeting tracker on the configured store and a
// negotiation engine wired to all of them. Accounts are cached until
// Shutdown, which stops the engines and releases the stores.
//
// HTTPServer exposes the MCP streamable HTTP transport on /mcp together with
// the HealthChecker endpoints, and MetricsServer serves Prometheus metrics on
// a separate address.
package server
