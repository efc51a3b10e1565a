package orchestrator

import (
	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/fault"
)

// Stats summarises the manager.
type Stats struct {
	Services         int         `json:"services"`
	Disabled         int         `json:"disabled"`
	Paused           int         `json:"paused"`
	Instances        int         `json:"instances"`
	Running          int         `json:"running"`
	Starting         int         `json:"starting"`
	Stopping         int         `json:"stopping"`
	Failed           int         `json:"failed"`
	Healthy          int         `json:"healthy"`
	Degraded         int         `json:"degraded"`
	Unhealthy        int         `json:"unhealthy"`
	Probes           uint64      `json:"probes"`
	RoutingDecisions uint64      `json:"routing_decisions"`
	Faults           fault.Stats `json:"faults"`
}

// Stats walks the registry once.
func (c *Core) Stats() Stats {
	s := Stats{
		Probes:           c.mon.Probes(),
		RoutingDecisions: c.bal.Decisions(),
		Faults:           c.eng.Stats(),
	}
	for _, snap := range c.reg.All() {
		s.Services++
		if snap.Disabled {
			s.Disabled++
		}
		if snap.Paused {
			s.Paused++
		}
		for _, inst := range snap.Instances {
			s.Instances++
			switch inst.State {
			case domain.StateRunning:
				s.Running++
			case domain.StateStarting:
				s.Starting++
			case domain.StateStopping:
				s.Stopping++
			case domain.StateFailed:
				s.Failed++
			}
			switch inst.Health.Status {
			case domain.HealthHealthy:
				s.Healthy++
			case domain.HealthDegraded:
				s.Degraded++
			case domain.HealthUnhealthy:
				s.Unhealthy++
			}
		}
	}
	return s
}
