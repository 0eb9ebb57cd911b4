// Package batch runs a tool operation over several ids and summarizes the
// per-item results.
package batch
