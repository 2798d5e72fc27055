// Package progress carries task lifecycle events from the dispatcher and the
// workers to pluggable sinks. A Hub batches events on a background
// goroutine and never blocks the request path.
package progress
