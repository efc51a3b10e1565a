package lifecycle

import (
	"context"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

// Run applies the dependency failure policy whenever a failure leaves a service
// without a Running instance. It returns when ctx is done or the controller closes.
func (c *Controller) Run(ctx context.Context) {
	q := c.events.Subscribe("dependency-watch")
	defer c.events.Unsubscribe(q)

	for {
		ev, ok := q.Next(ctx)
		if !ok {
			return
		}
		if !ev.Failed() {
			continue
		}
		snap, err := c.reg.Get(ev.Service)
		if err != nil || snap.Running() {
			continue
		}
		c.onDependencyLost(ctx, ev.Name)
	}
}

func (c *Controller) onDependencyLost(ctx context.Context, name string) {
	active := c.activeDependents(name)
	if len(active) == 0 {
		return
	}
	fields := []logger.Field{
		logger.String("service", name),
		logger.Strings("dependents", active),
		logger.Stringer("policy", c.cfg.DependencyPolicy),
	}

	switch c.cfg.DependencyPolicy {
	case DependencyForceStop:
		c.log.Warn("required dependency failed, stopping dependents", fields...)
		for _, dep := range active {
			id, ok := c.reg.ID(dep)
			if !ok {
				continue
			}
			if err := c.Stop(ctx, id); err != nil {
				c.log.Error("force stop failed", logger.String("service", dep), logger.Error(err))
			}
		}
	case DependencyDegrade:
		c.log.Warn("required dependency failed, dependents degraded", fields...)
	default:
		c.log.Warn("required dependency failed", fields...)
	}
}

// ServiceState returns the aggregated state of a service.
func (c *Controller) ServiceState(id domain.ServiceID) (domain.State, error) {
	snap, err := c.reg.Get(id)
	if err != nil {
		return domain.StateStopped, err
	}
	return snap.State(), nil
}
