package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keel/internal/orchestrator"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	Mode       string                     `json:"mode"`
	Components map[string]componentStatus `json:"components"`
	Stats      orchestrator.Stats         `json:"stats"`
}

// Status summarises the manager and its collaborators.
func Status(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := d.Core.Stats()

		components := map[string]componentStatus{
			"orchestrator": {OK: d.Core.Running()},
			"redis":        checkRedis(r.Context(), d),
			"manifest":     manifestStatus(d),
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Mode:       determineMode(components, stats),
			Components: components,
			Stats:      stats,
		})
	}
}

func determineMode(components map[string]componentStatus, stats orchestrator.Stats) string {
	if !components["orchestrator"].OK {
		return "critical"
	}
	if stats.Failed > 0 || stats.Unhealthy > 0 || !components["redis"].OK {
		return "degraded"
	}
	return "optimal"
}

func manifestStatus(d deps.Deps) componentStatus {
	if d.ManifestFile == "" {
		return componentStatus{OK: true, Mode: "api-only"}
	}
	return componentStatus{OK: true, Mode: "manifest", Detail: d.ManifestFile}
}

func checkRedis(ctx context.Context, d deps.Deps) componentStatus {
	if d.Store == nil {
		return componentStatus{OK: true, Mode: "disabled", Detail: "state is kept in memory only"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.Store.Ping(ctx); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Detail: "definitions and fault reports are not persisted",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Mode: "persistent"}
}
