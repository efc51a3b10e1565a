package domain

import "time"

// TransitionEvent is published by the lifecycle controller on every state change.
type TransitionEvent struct {
	Service  ServiceID
	Name     string
	Instance InstanceID
	From     State
	To       State
	Err      error
	At       time.Time
}

// Failed reports whether the transition ended in Failed.
func (e TransitionEvent) Failed() bool { return e.To == StateFailed }

// HealthEvent is published by the health monitor after every probe cycle.
type HealthEvent struct {
	Service  ServiceID
	Name     string
	Instance InstanceID
	Previous HealthStatus
	Result   HealthResult
}

// Changed reports whether the status differs from the previous cycle.
func (e HealthEvent) Changed() bool { return e.Previous != e.Result.Status }

// FailureSignal is consumed by the fault detector.
type FailureSignal struct {
	Service  ServiceID
	Name     string
	Instance InstanceID
	Source   FailureSource
	Message  string
	At       time.Time
}

// RegistryChange names what happened to a definition.
type RegistryChange int

const (
	ServiceRegistered RegistryChange = iota
	ServiceReplaced
	ServiceUnregistered
)

var registryChangeNames = []string{"registered", "replaced", "unregistered"}

func (c RegistryChange) String() string { return enumName(registryChangeNames, int(c)) }

// RegistryEvent is published by the registry when a definition is added, replaced
// by a newer version, or removed.
type RegistryEvent struct {
	Change  RegistryChange
	Service ServiceID
	Name    string
	Version uint64
	At      time.Time
}
