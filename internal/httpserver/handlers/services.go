package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keel/internal/registry"
	"github.com/MrSnakeDoc/keel/internal/sources/manifest"
)

const maxDefinitionBytes = 1 << 20

type createdResponse struct {
	ID   domain.ServiceID `json:"id"`
	Name string           `json:"name"`
}

// ListServices discovers services by pattern, tag and type.
func ListServices(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := registry.Filter{
			Pattern: q.Get("pattern"),
			Tag:     q.Get("tag"),
		}
		if raw := q.Get("type"); raw != "" {
			var t domain.ServiceType
			if err := t.UnmarshalText([]byte(raw)); err != nil {
				writeError(d, w, r, err)
				return
			}
			f.Type = &t
		}
		if raw := q.Get("skip_disabled"); raw != "" {
			skip, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(d, w, r, &badRequest{msg: "skip_disabled must be a boolean"})
				return
			}
			f.SkipDisabled = skip
		}

		ids := d.Core.Discover(f)
		out := make([]domain.ServiceSnapshot, 0, len(ids))
		for _, id := range ids {
			snap, err := d.Core.Service(id)
			if err != nil {
				continue
			}
			out = append(out, snap)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CreateService registers a definition given in the manifest schema, as JSON or YAML.
func CreateService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
		if err != nil {
			writeError(d, w, r, &badRequest{msg: "failed to read body: " + err.Error()})
			return
		}
		def, err := manifest.ParseService(body)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		id, err := d.Core.CreateService(def)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, createdResponse{ID: id, Name: def.Name})
	}
}

// GetService returns the snapshot of one service.
func GetService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := serviceID(d, r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		snap, err := d.Core.Service(id)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// DeleteService stops and unregisters a service.
func DeleteService(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := serviceID(d, r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		if err := d.Core.RemoveService(r.Context(), id); err != nil {
			writeError(d, w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServiceAction runs start, stop, restart, enable, disable, pause or resume.
func ServiceAction(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := serviceID(d, r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}

		ctx := r.Context()
		switch action := chi.URLParam(r, "action"); action {
		case "start":
			err = d.Core.StartService(ctx, id)
		case "stop":
			err = d.Core.StopService(ctx, id)
		case "restart":
			err = d.Core.RestartService(ctx, id)
		case "enable":
			err = d.Core.EnableService(id)
		case "disable":
			err = d.Core.DisableService(id)
		case "pause":
			err = d.Core.PauseService(id)
		case "resume":
			err = d.Core.ResumeService(id)
		default:
			writeError(d, w, r, &badRequest{msg: "unknown action " + strconv.Quote(action)})
			return
		}
		if err != nil {
			writeError(d, w, r, err)
			return
		}

		snap, err := d.Core.Service(id)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// StartAll starts every enabled service in dependency order.
func StartAll(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Core.StartAll(r.Context()); err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Core.Stats())
	}
}

// StopAll stops every service in reverse dependency order.
func StopAll(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Core.StopAll(r.Context()); err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Core.Stats())
	}
}

// ServiceHealth aggregates instance health of one service.
func ServiceHealth(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := serviceID(d, r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		h, err := d.Core.GetHealth(id)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

// InstanceHealth returns the last result of an instance, or probes it now with ?fresh=true.
func InstanceHealth(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iid, err := instanceID(r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
		res, err := d.Core.InstanceHealth(r.Context(), iid, fresh)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
