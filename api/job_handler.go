package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Function string         `json:"function" validate:"required"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`

	MaxRetries *int   `json:"max_retries,omitempty" validate:"omitempty,min=0"`
	Timeout    string `json:"timeout,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	// DeferUntil and DeferSeconds are alternatives; DeferUntil wins.
	DeferUntil   *time.Time `json:"defer_until,omitempty"`
	DeferSeconds float64    `json:"defer_seconds,omitempty" validate:"min=0"`
	DedupKey     string     `json:"dedup_key,omitempty" validate:"max=256"`
	// RejectDuplicate answers a held dedup key with 409 instead of the
	// earlier handle.
	RejectDuplicate bool `json:"reject_duplicate,omitempty"`
}

// DuplicateResponse is the 409 body of a rejected duplicate: the error and
// the handle of the job holding the dedup key.
type DuplicateResponse struct {
	ErrorResponse
	job.Handle
}

func (req *SubmitRequest) options() ([]job.Option, error) {
	var opts []job.Option
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		opts = append(opts, job.WithTimeout(d))
	}
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	switch {
	case req.DeferUntil != nil:
		opts = append(opts, job.WithDeferUntil(*req.DeferUntil))
	case req.DeferSeconds > 0:
		opts = append(opts, job.WithDefer(time.Duration(req.DeferSeconds*float64(time.Second))))
	}
	if req.DedupKey != "" {
		opts = append(opts, job.WithDedupKey(req.DedupKey))
	}
	if req.RejectDuplicate {
		opts = append(opts, job.WithRejectDuplicate())
	}
	return opts, nil
}

// CancelResponse is the body of POST /v1/jobs/{jobID}/cancel.
type CancelResponse struct {
	JobID     id.JobID `json:"job_id"`
	Cancelled bool     `json:"cancelled"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := a.eng.Submit(r.Context(), req.Function, req.Args, req.Kwargs, opts...)
	if errors.Is(err, jobq.ErrDuplicateSuppressed) {
		writeJSON(w, http.StatusConflict, DuplicateResponse{ErrorResponse{Error: err.Error()}, h})
		return
	}
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if h.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

func (a *API) getResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	res, err := a.eng.Result(r.Context(), jobID)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	cancelled, err := a.eng.Cancel(r.Context(), jobID)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{JobID: jobID, Cancelled: cancelled})
}

func parseJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return id.JobID{}, false
	}
	return jobID, true
}
