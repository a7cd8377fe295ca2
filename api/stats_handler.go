package api

import (
	"net/http"

	"github.com/xraph/jobq/health"
)

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Snapshot(r.Context()))
}

// healthz answers 200 while the engine is healthy or degraded and 503
// once it is unhealthy.
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	rep := a.eng.Liveness(r.Context())
	status := http.StatusOK
	if rep.Status == health.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}
