// Package api hosts the HTTP servers for the worker and dispatcher roles.
// Notable routes:
//   - POST / accepts a product detail task (worker) or a search (dispatcher).
//   - GET /health probes the shared document store.
//   - GET /metrics for Prometheus scraping.
//   - GET and DELETE /streams/{requestId} inspect and close reply streams.
//   - GET /progress/{requestId} lists the latest stage of each task.
package api
