// Package queue defines the task-delivery interface between the dispatcher
// and the workers.
//
// A task is an HTTP request addressed to a worker. Backends differ in how the
// request reaches it: httpdispatch posts it directly, pubsub and kafka carry
// it as a message that a Consumer replays into the worker's processor, and
// memory keeps it in process for tests and local runs. Delivery is at least
// once everywhere.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Request is one task addressed to a worker.
type Request struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Queue enqueues tasks onto a named queue.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, req Request) error
	Close() error
}

// Handler processes one delivered request and returns the status code the
// worker answered with.
type Handler func(ctx context.Context, req Request) int

// Consumer feeds delivered requests to a Handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Retryable reports whether a task answered with status should be delivered
// again. Rate limiting and server errors are retried; success and client
// errors are final.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// Encode renders req as a message body.
func Encode(req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode task request: %w", err)
	}
	return data, nil
}

// Decode parses a message body written by Encode.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode task request: %w", err)
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req, nil
}

// Inject writes the trace context of ctx into carrier.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// Extract returns ctx extended with the trace context found in carrier.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
