package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry retries requests answered 503 up to maxRetries times with
// exponential backoff starting at baseDelay. A non-positive baseDelay
// keeps the default.
func WithRetry(maxRetries uint64, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}
