// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and a per-task status collection in the document store.
package sinks
