// Package progress provides run and site lifecycle events and a non-blocking
// hub that batches them on a background goroutine for pluggable sinks such as
// Prometheus collectors, structured logs or the runs table.
package progress
