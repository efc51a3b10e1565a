package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

const DefaultTransitionTimeout = 30 * time.Second

// StopPolicy decides what stop does with running dependents.
type StopPolicy int

const (
	// StopCascade stops dependents first, recursively.
	StopCascade StopPolicy = iota
	// StopFailFast refuses to stop while dependents run.
	StopFailFast
)

// DependencyFailurePolicy decides what happens to running dependents when a
// required dependency fails.
type DependencyFailurePolicy int

const (
	// DependencyFlagOnly logs the loss and leaves dependents alone.
	DependencyFlagOnly DependencyFailurePolicy = iota
	// DependencyDegrade keeps dependents running but caps their health at Degraded.
	DependencyDegrade
	// DependencyForceStop stops dependents.
	DependencyForceStop
)

// Trigger distinguishes operator requests from automatic ones.
// Disabled and Paused services refuse automatic starts only.
type Trigger int

const (
	Manual Trigger = iota
	Automatic
)

// Config tunes the controller.
type Config struct {
	TransitionTimeout time.Duration
	StopPolicy        StopPolicy
	DependencyPolicy  DependencyFailurePolicy
}

func (c Config) withDefaults() Config {
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = DefaultTransitionTimeout
	}
	return c
}

// ParseStopPolicy accepts "cascade" or "fail-fast".
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cascade":
		return StopCascade, nil
	case "fail-fast", "failfast":
		return StopFailFast, nil
	}
	return 0, fmt.Errorf("%w: unknown stop policy %q", domain.ErrInvalidConfiguration, s)
}

// ParseDependencyPolicy accepts "flag-only", "degrade" or "force-stop".
func ParseDependencyPolicy(s string) (DependencyFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flag-only", "flag":
		return DependencyFlagOnly, nil
	case "degrade":
		return DependencyDegrade, nil
	case "force-stop", "stop":
		return DependencyForceStop, nil
	}
	return 0, fmt.Errorf("%w: unknown dependency failure policy %q", domain.ErrInvalidConfiguration, s)
}

func (p DependencyFailurePolicy) String() string {
	switch p {
	case DependencyDegrade:
		return "degrade"
	case DependencyForceStop:
		return "force-stop"
	default:
		return "flag-only"
	}
}

func (p StopPolicy) String() string {
	if p == StopFailFast {
		return "fail-fast"
	}
	return "cascade"
}
