// Package client provides a Go client for a remote jobq HTTP API.
//
// Usage:
//
//	c := client.New("http://localhost:8000",
//	    client.WithRetry(3, 200*time.Millisecond),
//	)
//
//	// Submit a job.
//	h, err := c.Submit(ctx, "resize", []any{url}, nil, client.WithPriority(2))
//
//	// Ask the chat task and wait for the reply.
//	resp, err := c.Chat(ctx, []chat.Message{{Role: "user", Content: "Hi"}})
//	fmt.Println(resp.Result.Content)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/api"
	"github.com/xraph/jobq/health"
)

// Client talks to a jobq HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// Retries of requests answered 503.
	maxRetries uint64
	baseDelay  time.Duration
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    slog.Default(),
		baseDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobq/client: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Is maps status codes onto the jobq error taxonomy.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return target == jobq.ErrNotFound
	case http.StatusServiceUnavailable:
		return target == jobq.ErrStoreUnavailable
	case http.StatusConflict:
		return target == jobq.ErrDuplicateSuppressed
	}
	return false
}

// Stats returns the queue snapshot served at GET /v1/stats.
func (c *Client) Stats(ctx context.Context) (health.Snapshot, error) {
	var snap health.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &snap)
	return snap, err
}

// Health returns the liveness report served at GET /healthz. An
// unhealthy engine answers 503; its report is returned with the error.
func (c *Client) Health(ctx context.Context) (health.Report, error) {
	var rep health.Report
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &rep)
	return rep, err
}

// do sends a JSON request and decodes the response into out. A non-2xx
// response is returned as an *APIError; its body is still decoded into out
// when it parses. 503 responses are retried.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("jobq/client: marshal request: %w", err)
		}
		body = raw
	}

	b := retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(5*time.Second, retry.NewExponential(c.baseDelay)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.once(ctx, method, path, body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && path != "/healthz" {
			c.logger.Debug("jobq api unavailable, retrying",
				slog.String("method", method),
				slog.String("path", path),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("jobq/client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jobq/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jobq/client: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("jobq/client: decode response: %w", err)
		}
	}
	return nil
}
