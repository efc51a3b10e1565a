package domain

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of an instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

var stateNames = []string{"stopped", "starting", "running", "stopping", "failed"}

func (s State) String() string                { return enumName(stateNames, int(s)) }
func (s State) MarshalText() ([]byte, error)  { return []byte(s.String()), nil }
func (s *State) UnmarshalText(b []byte) error { return parseEnum("state", stateNames, b, s) }

// ServiceType is the declared kind of a service.
type ServiceType int

const (
	TypeSystem ServiceType = iota
	TypeUser
	TypeGroup
	TypeMonitoring
	TypeLoadBalancer
	TypeDiscovery
)

var serviceTypeNames = []string{"system", "user", "group", "monitoring", "load-balancer", "discovery"}

func (t ServiceType) String() string               { return enumName(serviceTypeNames, int(t)) }
func (t ServiceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (t *ServiceType) UnmarshalText(b []byte) error {
	return parseEnum("service type", serviceTypeNames, b, t)
}

// HealthStatus is the outcome class of a probe. The zero value is Unknown.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

var healthStatusNames = []string{"unknown", "healthy", "degraded", "unhealthy"}

func (h HealthStatus) String() string               { return enumName(healthStatusNames, int(h)) }
func (h HealthStatus) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
func (h *HealthStatus) UnmarshalText(b []byte) error {
	return parseEnum("health status", healthStatusNames, b, h)
}

// Routable reports whether the status may ever receive traffic.
func (h HealthStatus) Routable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Strategy is a load balancing algorithm.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyWeightedRoundRobin
	StrategyLeastConnections
	StrategyWeightedLeastConnections
	StrategyRandom
	StrategyClientHash
	StrategyConsistentHash
	StrategyFastest
	StrategyHealthScore
)

var strategyNames = []string{
	"round-robin", "weighted-round-robin", "least-connections", "weighted-least-connections",
	"random", "client-hash", "consistent-hash", "fastest", "health-score",
}

func (s Strategy) String() string               { return enumName(strategyNames, int(s)) }
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *Strategy) UnmarshalText(b []byte) error {
	return parseEnum("strategy", strategyNames, b, s)
}

// Priority of a routing request.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
	PriorityCritical
)

var priorityNames = []string{"normal", "low", "high", "critical"}

func (p Priority) String() string               { return enumName(priorityNames, int(p)) }
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (p *Priority) UnmarshalText(b []byte) error {
	return parseEnum("priority", priorityNames, b, p)
}

// Signal is sent to a running unit of execution.
type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
	SignalReload
)

var signalNames = []string{"terminate", "kill", "reload"}

func (s Signal) String() string { return enumName(signalNames, int(s)) }

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("unknown(%d)", v)
	}
	return names[v]
}

func parseEnum[T ~int](kind string, names []string, b []byte, out *T) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	s = strings.ReplaceAll(s, "_", "-")
	for i, name := range names {
		if name == s || strings.ReplaceAll(name, "-", "") == s {
			*out = T(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfiguration, kind, string(b))
}

func validEnum(names []string, v int) bool {
	return v >= 0 && v < len(names)
}
