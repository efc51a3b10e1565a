package manifest

import (
	"encoding"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// ToDefinitions maps every declared service, validating each one. All mapping
// errors are joined so an operator sees every broken entry at once.
func ToDefinitions(f File) ([]domain.ServiceDefinition, error) {
	defs := make([]domain.ServiceDefinition, 0, len(f.Services))
	seen := make(map[string]bool, len(f.Services))
	var errs []error
	for i, s := range f.Services {
		def, err := toDefinition(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("services[%d] %q: %w", i, s.Name, err))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("services[%d]: %w: duplicate name %q", i, domain.ErrInvalidConfiguration, def.Name))
			continue
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func toDefinition(s ServiceSpec) (domain.ServiceDefinition, error) {
	def := domain.ServiceDefinition{
		Name:                 s.Name,
		Version:              s.Version,
		Type:                 domain.TypeUser,
		Description:          s.Description,
		Tags:                 s.Tags,
		RequiredDependencies: s.RequiredDependencies,
		OptionalDependencies: s.OptionalDependencies,
		Command:              s.Command,
		Env:                  s.Env,
		WorkDir:              s.WorkDir,
		Replicas:             s.Replicas,
		Weight:               s.Weight,
		HealthCheck: domain.HealthCheckConfig{
			Target:          s.HealthCheck.Target,
			Interval:        millis(s.HealthCheck.IntervalMs),
			Timeout:         millis(s.HealthCheck.TimeoutMs),
			MaxRetries:      s.HealthCheck.MaxRetries,
			DegradedLatency: millis(s.HealthCheck.DegradedLatencyMs),
		},
		Recovery: domain.RecoveryPolicy{
			AutoRestart: s.AutoRestart == nil || *s.AutoRestart,
			MaxAttempts: s.MaxRestarts,
			Backoff: domain.Backoff{
				Base:       millis(s.RestartDelayMs),
				Multiplier: s.BackoffMultiplier,
				Max:        millis(s.MaxDelayMs),
			},
		},
		Limits: domain.ResourceLimits{
			MaxMemoryBytes: s.Limits.MaxMemoryMB << 20,
			MaxCPUPercent:  s.Limits.MaxCPUPercent,
			MaxInstances:   s.Limits.MaxInstances,
		},
		Network: domain.NetworkSettings{
			Address:   s.Network.Address,
			Isolated:  s.Network.Isolated,
			Namespace: s.Network.Namespace,
		},
	}

	if s.Backoff == "" && s.RestartDelayMs > 0 {
		def.Recovery.Backoff.Kind = domain.BackoffExponential
	}
	if s.RestartDelayMs < 0 || s.MaxDelayMs < 0 || s.HealthCheck.IntervalMs < 0 ||
		s.HealthCheck.TimeoutMs < 0 || s.HealthCheck.DegradedLatencyMs < 0 {
		return def, fmt.Errorf("%w: durations must not be negative", domain.ErrInvalidConfiguration)
	}

	for _, e := range []struct {
		raw string
		dst encoding.TextUnmarshaler
	}{
		{s.Type, &def.Type},
		{s.Strategy, &def.Strategy},
		{s.Backoff, &def.Recovery.Backoff.Kind},
		{s.RecoveryAction, &def.Recovery.Action},
		{s.HealthCheck.Kind, &def.HealthCheck.Kind},
	} {
		if e.raw == "" {
			continue
		}
		if err := e.dst.UnmarshalText([]byte(e.raw)); err != nil {
			return def, err
		}
	}

	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
