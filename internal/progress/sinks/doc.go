// Package sinks implements progress consumers: Prometheus collectors, the
// runs table and structured logs.
package sinks
