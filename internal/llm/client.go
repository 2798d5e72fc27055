// Package llm calls the text-extraction service used when a product page
// lacks structured data.
//
// The service accepts a prompt and replies with a message that is itself a
// JSON document. Replies that do not parse fall back to a default value, so
// callers never fail because of the service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// DefaultTimeout bounds a single extraction.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned by Race when the timer fires first.
var ErrTimeout = errors.New("llm call timed out")

// Config controls the client.
type Config struct {
	Endpoint string
	// Auth enables Google ID-token authentication with Endpoint as audience.
	Auth    bool
	Timeout time.Duration
}

// HTTPDoer is the subset of *http.Client used by the client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the extraction service.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     HTTPDoer
	logger   *zap.Logger
}

// New builds a client. With cfg.Auth the HTTP client attaches ID tokens
// minted for cfg.Endpoint.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("llm endpoint is required")
	}
	var doer HTTPDoer = http.DefaultClient
	if cfg.Auth {
		authed, err := idtoken.NewClient(ctx, cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("create id token client: %w", err)
		}
		doer = authed
	}
	return NewWithHTTP(cfg, doer, logger), nil
}

// NewWithHTTP builds a client over an existing HTTP client.
func NewWithHTTP(cfg Config, doer HTTPDoer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		timeout:  cfg.Timeout,
		http:     doer,
		logger:   logger,
	}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system"`
}

type promptResponse struct {
	Message string `json:"message"`
}

// Prompt sends one prompt and returns the raw message.
func (c *Client) Prompt(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: prompt, System: system})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := product.RequestIDFrom(ctx); id != "" {
		req.Header.Set(product.RequestIDHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("prompt returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	return out.Message, nil
}

// extract races a prompt against the client timeout and decodes the message
// into out. It reports whether out was filled.
func (c *Client) extract(ctx context.Context, kind, system, prompt string, out any) bool {
	message, err := Race(ctx, c.timeout, func(callCtx context.Context) (string, error) {
		return c.Prompt(callCtx, system, prompt)
	})
	switch {
	case errors.Is(err, ErrTimeout):
		metrics.ObserveLLMCall(kind, "timeout")
		c.logger.Warn("llm extraction timed out", zap.String("kind", kind), zap.Duration("timeout", c.timeout))
		return false
	case err != nil:
		metrics.ObserveLLMCall(kind, "error")
		c.logger.Warn("llm extraction failed", zap.String("kind", kind), zap.Error(err))
		return false
	}
	if err := json.Unmarshal([]byte(message), out); err != nil {
		metrics.ObserveLLMCall(kind, "unparsable")
		c.logger.Warn("llm reply is not json", zap.String("kind", kind), zap.String("message", message))
		return false
	}
	metrics.ObserveLLMCall(kind, "ok")
	return true
}

// Race runs fn and returns its result unless timeout elapses first. fn runs
// on a context detached from ctx's cancellation and is never interrupted; a
// late result is dropped.
func Race[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		v, err := fn(detached)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var zero T
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return zero, ErrTimeout
	}
}
