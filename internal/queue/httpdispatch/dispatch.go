// Package httpdispatch delivers tasks straight to a worker over HTTP without a
// broker. It is meant for single-host deployments and local runs.
package httpdispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 5 * time.Minute

// Dispatcher implements queue.Queue by POSTing each task in the background.
type Dispatcher struct {
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ queue.Queue = (*Dispatcher)(nil)

// New builds a Dispatcher. A nil client uses http.DefaultClient.
func New(client *http.Client, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{client: client, logger: logger, timeout: timeout}
}

// Enqueue starts delivering req and returns at once. The delivery outlives
// ctx; only its values and trace context carry over.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, req queue.Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		status, err := Send(sendCtx, d.client, req)
		if err != nil {
			d.logger.Error("task delivery failed", zap.String("queue", queueName), zap.String("url", req.URL), zap.Error(err))
			return
		}
		d.logger.Debug("task delivered", zap.String("queue", queueName), zap.Int("status", status))
	}()
	return nil
}

// Close stops accepting tasks and waits for deliveries in flight.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// Send performs req synchronously and returns the response status.
func Send(ctx context.Context, client *http.Client, req queue.Request) (int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	queue.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
