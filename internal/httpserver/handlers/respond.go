package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{domain.ErrServiceNotFound, "service_not_found", http.StatusNotFound},
	{domain.ErrServiceAlreadyExists, "service_already_exists", http.StatusConflict},
	{domain.ErrCircularDependency, "circular_dependency", http.StatusUnprocessableEntity},
	{domain.ErrInvalidConfiguration, "invalid_configuration", http.StatusBadRequest},
	{domain.ErrDependencyNotRunning, "dependency_not_running", http.StatusConflict},
	{domain.ErrDependentsRunning, "dependents_running", http.StatusConflict},
	{domain.ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{domain.ErrResourceExhausted, "resource_exhausted", http.StatusServiceUnavailable},
	{domain.ErrServiceTimeout, "service_timeout", http.StatusGatewayTimeout},
	{context.DeadlineExceeded, "service_timeout", http.StatusGatewayTimeout},
	{domain.ErrNoHealthyInstance, "no_healthy_instance", http.StatusServiceUnavailable},
	{domain.ErrHealthCheckFailed, "health_check_failed", http.StatusBadGateway},
	{domain.ErrLoadBalancer, "load_balancer_error", http.StatusBadGateway},
	{domain.ErrFaultToleranceExhausted, "fault_tolerance_exhausted", http.StatusServiceUnavailable},
}

// StatusFor maps an error to its kind and HTTP status.
func StatusFor(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(d deps.Deps, w http.ResponseWriter, r *http.Request, err error) {
	kind, status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		d.Logger.Warn("management call failed",
			logger.String("path", r.URL.Path),
			logger.String("kind", kind),
			logger.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// serviceID resolves the {name} URL parameter.
func serviceID(d deps.Deps, r *http.Request) (domain.ServiceID, error) {
	snap, err := d.Core.Registry().Lookup(chi.URLParam(r, "name"))
	if err != nil {
		return 0, err
	}
	return snap.ID, nil
}

// instanceID parses the {id} URL parameter.
func instanceID(r *http.Request) (domain.InstanceID, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &badRequest{msg: "invalid instance id " + strconv.Quote(raw)}
	}
	return domain.InstanceID(id), nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string        { return e.msg }
func (e *badRequest) Is(target error) bool { return target == domain.ErrInvalidConfiguration }
