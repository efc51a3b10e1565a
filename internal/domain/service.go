package domain

import (
	"maps"
	"slices"
	"time"
)

// ServiceID is the stable arena key of a registered service.
type ServiceID uint64

// InstanceID is the stable arena key of a live instance.
type InstanceID uint64

// Handle is the opaque execution capability returned by the scheduler.
type Handle uint64

// ServiceDefinition is the immutable template of a manageable unit.
//
// It is created at registration time and never mutated in place.
// A newer Version replaces it through re-registration.
type ServiceDefinition struct {
	// ─────────────────────────────
	// Identity
	// ─────────────────────────────

	// Name is the unique logical identifier.
	Name string `json:"name" validate:"required,servicename"`

	// Version orders re-registrations. A lower or equal version is rejected.
	Version uint64 `json:"version"`

	Type        ServiceType `json:"type"`
	Description string      `json:"description,omitempty" validate:"max=256"`
	Tags        []string    `json:"tags,omitempty" validate:"dive,required,max=64"`

	// ─────────────────────────────
	// Dependencies
	// ─────────────────────────────

	// RequiredDependencies must be Running before this service starts.
	RequiredDependencies []string `json:"required_dependencies,omitempty" validate:"dive,servicename"`

	// OptionalDependencies are started before this service if present.
	OptionalDependencies []string `json:"optional_dependencies,omitempty" validate:"dive,servicename"`

	// ─────────────────────────────
	// Execution
	// ─────────────────────────────

	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`

	// Replicas is the number of instances started together. Zero means one.
	Replicas int `json:"replicas,omitempty" validate:"gte=0,lte=1024"`

	// Weight is the routing weight of each instance. Zero means one.
	Weight int `json:"weight,omitempty" validate:"gte=0,lte=1000"`

	// Strategy selects the load balancing algorithm for this service.
	Strategy Strategy `json:"strategy"`

	// ─────────────────────────────
	// Policies
	// ─────────────────────────────

	HealthCheck HealthCheckConfig `json:"health_check"`
	Recovery    RecoveryPolicy    `json:"recovery"`
	Limits      ResourceLimits    `json:"limits"`
	Network     NetworkSettings   `json:"network"`
}

// ResourceLimits bounds what a service may consume.
type ResourceLimits struct {
	MaxMemoryBytes uint64  `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  float64 `json:"max_cpu_percent,omitempty" validate:"gte=0,lte=100"`
	// MaxInstances caps scale-up. Zero means Replicas.
	MaxInstances int `json:"max_instances,omitempty" validate:"gte=0,lte=1024"`
}

// NetworkSettings describes how instances are reached and isolated.
type NetworkSettings struct {
	// Address is the host:port probed and routed to. Replicas add their ordinal to the port.
	Address   string `json:"address,omitempty" validate:"omitempty,hostname_port"`
	Isolated  bool   `json:"isolated,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// ReplicaCount returns the effective replica count.
func (d *ServiceDefinition) ReplicaCount() int {
	if d.Replicas <= 0 {
		return 1
	}
	return d.Replicas
}

// InstanceWeight returns the effective routing weight.
func (d *ServiceDefinition) InstanceWeight() int {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}

// MaxInstances returns the scale-up ceiling.
func (d *ServiceDefinition) MaxInstances() int {
	if d.Limits.MaxInstances > 0 {
		return d.Limits.MaxInstances
	}
	return d.ReplicaCount()
}

// Dependencies returns required then optional dependency names.
func (d *ServiceDefinition) Dependencies() []string {
	out := make([]string, 0, len(d.RequiredDependencies)+len(d.OptionalDependencies))
	out = append(out, d.RequiredDependencies...)
	return append(out, d.OptionalDependencies...)
}

// Requires reports whether name is a required dependency.
func (d *ServiceDefinition) Requires(name string) bool {
	return slices.Contains(d.RequiredDependencies, name)
}

// HasTag reports whether the definition carries tag.
func (d *ServiceDefinition) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// Clone returns a deep copy so snapshots never share slices or maps.
func (d ServiceDefinition) Clone() ServiceDefinition {
	d.Tags = slices.Clone(d.Tags)
	d.RequiredDependencies = slices.Clone(d.RequiredDependencies)
	d.OptionalDependencies = slices.Clone(d.OptionalDependencies)
	d.Command = slices.Clone(d.Command)
	d.Env = maps.Clone(d.Env)
	return d
}

// Instance is an immutable snapshot of one live instance.
type Instance struct {
	ID        InstanceID   `json:"id"`
	Service   ServiceID    `json:"service_id"`
	Name      string       `json:"service"`
	Ordinal   int          `json:"ordinal"`
	State     State        `json:"state"`
	Handle    Handle       `json:"handle"`
	Weight    int          `json:"weight"`
	Address   string       `json:"address,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	Restarts  int          `json:"restarts"`
	Health    HealthResult `json:"health"`
}

// ServiceSnapshot is an immutable view of a registered service and its instances.
type ServiceSnapshot struct {
	ID           ServiceID         `json:"id"`
	Definition   ServiceDefinition `json:"definition"`
	Disabled     bool              `json:"disabled"`
	Paused       bool              `json:"paused"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Instances    []Instance        `json:"instances"`
}

// State aggregates instance states.
// Running wins over Failed, which wins over transitional states.
func (s *ServiceSnapshot) State() State {
	if len(s.Instances) == 0 {
		return StateStopped
	}
	seen := make(map[State]bool, 5)
	for _, inst := range s.Instances {
		seen[inst.State] = true
	}
	for _, st := range []State{StateRunning, StateFailed, StateStarting, StateStopping} {
		if seen[st] {
			return st
		}
	}
	return StateStopped
}

// Running reports whether at least one instance is Running.
func (s *ServiceSnapshot) Running() bool {
	return s.State() == StateRunning
}

// Blocked reports whether automatic transitions into Starting are blocked.
func (s *ServiceSnapshot) Blocked() bool {
	return s.Disabled || s.Paused
}
