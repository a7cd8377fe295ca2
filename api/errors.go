package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xraph/jobq"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps jobq errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobq.ErrUnknownTask):
		return http.StatusBadRequest
	case errors.Is(err, jobq.ErrDuplicateSuppressed):
		return http.StatusConflict
	case errors.Is(err, jobq.ErrNotFound):
		if _, expired := jobq.IsNotFound(err); expired {
			return http.StatusGone
		}
		return http.StatusNotFound
	case errors.Is(err, jobq.ErrStoreUnavailable),
		errors.Is(err, jobq.ErrRegistryUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status statusFor assigns it. Internal
// errors are logged and answered with a generic message.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
		writeError(w, status, "internal error")
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, status, "job store unavailable, retry later")
	default:
		writeError(w, status, err.Error())
	}
}
