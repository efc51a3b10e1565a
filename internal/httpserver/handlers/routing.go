package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
)

type outcomeRequest struct {
	Instance  domain.InstanceID `json:"instance_id"`
	Success   bool              `json:"success"`
	LatencyMs float64           `json:"latency_ms"`
}

// Route selects one instance of a logical service.
func Route(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.RoutingRequest
		if err := decode(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}
		resp, err := d.Core.RouteRequest(req)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Outcome feeds the result of a routed request back into the balancer.
func Outcome(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outcomeRequest
		if err := decode(w, r, &req); err != nil {
			writeError(d, w, r, err)
			return
		}
		err := d.Core.ReportOutcome(domain.Outcome{
			Instance: req.Instance,
			Success:  req.Success,
			Latency:  time.Duration(req.LatencyMs * float64(time.Millisecond)),
		})
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequest{msg: "invalid request body: " + err.Error()}
	}
	return nil
}
