package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServiceNotFound         = errors.New("service not found")
	ErrServiceAlreadyExists    = errors.New("service already exists")
	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrCircularDependency      = errors.New("circular dependency")
	ErrDependencyNotRunning    = errors.New("dependency not running")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrResourceExhausted       = errors.New("resource exhausted")
	ErrServiceTimeout          = errors.New("service timeout")
	ErrHealthCheckFailed       = errors.New("health check failed")
	ErrNoHealthyInstance       = errors.New("no healthy instance")
	ErrLoadBalancer            = errors.New("load balancer error")
	ErrFaultToleranceExhausted = errors.New("fault tolerance exhausted")

	// ErrDependentsRunning is returned by a fail-fast stop while dependents still run.
	ErrDependentsRunning = errors.New("dependents still running")
)

// CycleError reports a dependency cycle.
type CycleError struct {
	// Nodes is every service left with a nonzero in-degree, sorted.
	Nodes []string
	// Path is one concrete cycle, first node repeated at the end.
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s among [%s]", ErrCircularDependency, strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCircularDependency }

// IsStatic reports authoring mistakes that must never be retried automatically.
func IsStatic(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrCircularDependency)
}
