package domain

import "time"

// RoutingRequest asks for one instance of a logical service.
type RoutingRequest struct {
	Service     string   `json:"service"`
	AffinityKey string   `json:"affinity_key,omitempty"`
	Priority    Priority `json:"priority"`
}

// RoutingResponse is ephemeral and never persisted.
type RoutingResponse struct {
	Instance      InstanceID    `json:"instance_id"`
	Service       ServiceID     `json:"service_id"`
	Ordinal       int           `json:"ordinal"`
	Address       string        `json:"address,omitempty"`
	Strategy      Strategy      `json:"strategy"`
	LoadScore     float64       `json:"load_score"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	Degraded      bool          `json:"degraded"`
}

// Outcome is reported back to the balancer after a routed request completes.
type Outcome struct {
	Instance InstanceID
	Success  bool
	Latency  time.Duration
}
