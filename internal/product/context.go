package product

import "context"

// RequestIDHeader carries the search request id on every hop.
const RequestIDHeader = "Request-Id"

type requestIDKey struct{}

// WithRequestID stores the search request id on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom returns the request id stored by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
