package client

import (
	"context"
	"net/http"
	"time"

	"github.com/xraph/jobq/api"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/tasks/chat"
)

// Submit queues a call of function and returns its handle.
func (c *Client) Submit(ctx context.Context, function string, args []any, kwargs map[string]any, opts ...SubmitOption) (job.Handle, error) {
	req := api.SubmitRequest{Function: function, Args: args, Kwargs: kwargs}
	for _, opt := range opts {
		opt(&req)
	}
	var h job.Handle
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &h)
	return h, err
}

// Result returns the current state of a job.
func (c *Client) Result(ctx context.Context, jobID id.JobID) (*job.Result, error) {
	var res job.Result
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel cancels a job and reports whether the cancellation took effect.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	var resp api.CancelResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// Chat submits a chat request and waits for the reply. When the server
// gives up waiting or the job fails, the response is returned along with
// an *APIError.
func (c *Client) Chat(ctx context.Context, messages []chat.Message) (*api.ChatResponse, error) {
	var resp api.ChatResponse
	err := c.do(ctx, http.MethodPost, "/v1/chat", chat.Request{Messages: messages}, &resp)
	return &resp, err
}

// SubmitChat submits a chat request without waiting for the reply.
func (c *Client) SubmitChat(ctx context.Context, messages []chat.Message) (id.JobID, error) {
	var resp api.ChatResponse
	err := c.do(ctx, http.MethodPost, "/v1/chat?wait=false", chat.Request{Messages: messages}, &resp)
	return resp.JobID, err
}

// SubmitOption configures a submit request.
type SubmitOption func(*api.SubmitRequest)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) SubmitOption {
	return func(r *api.SubmitRequest) { r.MaxRetries = &n }
}

// WithTimeout sets the per-execution timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(r *api.SubmitRequest) { r.Timeout = d.String() }
}

// WithPriority sets the job priority.
func WithPriority(priority int) SubmitOption {
	return func(r *api.SubmitRequest) { r.Priority = priority }
}

// WithDeferUntil hides the job until t.
func WithDeferUntil(t time.Time) SubmitOption {
	return func(r *api.SubmitRequest) { r.DeferUntil = &t }
}

// WithDedupKey sets the deduplication key.
func WithDedupKey(key string) SubmitOption {
	return func(r *api.SubmitRequest) { r.DedupKey = key }
}

// WithRejectDuplicate makes Submit fail with an error matching
// jobq.ErrDuplicateSuppressed when the dedup key is already held. The
// returned handle is that of the holding job.
func WithRejectDuplicate() SubmitOption {
	return func(r *api.SubmitRequest) { r.RejectDuplicate = true }
}

// WithDefer hides the job for d.
func WithDefer(d time.Duration) SubmitOption {
	return func(r *api.SubmitRequest) { r.DeferSeconds = d.Seconds() }
}
