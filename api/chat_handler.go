package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/tasks/chat"
)

// ChatResponse is the body of POST /v1/chat.
type ChatResponse struct {
	JobID  id.JobID          `json:"job_id"`
	State  job.State         `json:"state"`
	Result *chat.Reply       `json:"result,omitempty"`
	Error  *job.ErrorPayload `json:"error,omitempty"`
}

// chat submits a chat.generate job and, unless ?wait=false, waits for the
// reply. A job still unfinished when the wait ends answers 504 with its
// ID so the caller can poll GET /v1/jobs/{jobID}.
func (a *API) chat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wait := true
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait parameter")
			return
		}
		wait = b
	}

	h, err := engine.Enqueue(r.Context(), a.eng, chat.TaskName, req)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, ChatResponse{JobID: h.ID, State: job.StateQueued})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.chatWait)
	defer cancel()
	res, err := a.eng.Wait(ctx, h.ID, a.waitPoll)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		resp := ChatResponse{JobID: h.ID, State: job.StateQueued}
		if res != nil {
			resp.State = res.State
		}
		writeJSON(w, http.StatusGatewayTimeout, resp)
		return
	case err != nil:
		a.writeErr(w, r, err)
		return
	}

	resp := ChatResponse{JobID: h.ID, State: res.State, Error: res.Error}
	if res.State != job.StateSucceeded {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	var reply chat.Reply
	if err := json.Unmarshal(res.Payload, &reply); err != nil {
		a.writeErr(w, r, err)
		return
	}
	resp.Result = &reply
	writeJSON(w, http.StatusOK, resp)
}
