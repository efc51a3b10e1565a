package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/lifecycle"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

// CreateService registers a definition. Validation and cycle detection happen
// here and are never retried.
func (c *Core) CreateService(def domain.ServiceDefinition) (domain.ServiceID, error) {
	id, err := c.reg.Register(def)
	if err != nil {
		return 0, err
	}
	c.log.Info("service registered",
		logger.String("service", def.Name),
		logger.Uint64("id", uint64(id)),
		logger.Uint64("version", def.Version))
	return id, nil
}

// RemoveService stops a service and unregisters it. Services other services
// require cannot be removed.
func (c *Core) RemoveService(ctx context.Context, id domain.ServiceID) error {
	snap, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if deps := c.reg.Dependents(snap.Definition.Name, true); len(deps) > 0 {
		return fmt.Errorf("%w: %s is required by %v", domain.ErrInvalidConfiguration, snap.Definition.Name, deps)
	}
	if len(snap.Instances) > 0 {
		if err := c.StopService(ctx, id); err != nil {
			return err
		}
	}
	if err := c.reg.Unregister(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.declared, snap.Definition.Name)
	delete(c.unlisted, snap.Definition.Name)
	c.mu.Unlock()
	c.log.Info("service removed", logger.String("service", snap.Definition.Name))
	return nil
}

// StartService starts every replica. Required dependencies must already run.
func (c *Core) StartService(ctx context.Context, id domain.ServiceID) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	return c.ctrl.Start(ctx, id, lifecycle.Manual)
}

// StopService stops a service according to the configured stop policy.
func (c *Core) StopService(ctx context.Context, id domain.ServiceID) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	return c.ctrl.Stop(ctx, id)
}

// RestartService restarts a service and the dependents a cascade stopped.
func (c *Core) RestartService(ctx context.Context, id domain.ServiceID) error {
	ctx, cancel := c.call(ctx)
	defer cancel()
	return c.ctrl.Restart(ctx, id)
}

func (c *Core) EnableService(id domain.ServiceID) error  { return c.ctrl.Enable(id) }
func (c *Core) DisableService(id domain.ServiceID) error { return c.ctrl.Disable(id) }
func (c *Core) PauseService(id domain.ServiceID) error   { return c.ctrl.Pause(id) }
func (c *Core) ResumeService(id domain.ServiceID) error  { return c.ctrl.Resume(id) }

// StartAll starts every enabled service tier by tier. Services of one tier start
// concurrently. A failing service does not stop the boot: its dependents fail
// with ErrDependencyNotRunning and every error is returned joined.
func (c *Core) StartAll(ctx context.Context) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	var names []string
	for _, snap := range c.reg.All() {
		if !snap.Blocked() {
			names = append(names, snap.Definition.Name)
		}
	}
	tiers, err := c.res.Tiers(names)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, tier := range tiers {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range tier {
			g.Go(func() error {
				id, err := c.id(name)
				if err == nil {
					err = c.ctrl.Start(gctx, id, lifecycle.Automatic)
				}
				if err != nil && !errors.Is(err, domain.ErrPermissionDenied) {
					mu.Lock()
					errs = append(errs, fmt.Errorf("start %s: %w", name, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service, dependents before their dependencies.
func (c *Core) StopAll(ctx context.Context) error {
	ctx, cancel := c.call(ctx)
	defer cancel()

	defs := c.reg.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	order, err := c.res.StopOrder(names)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range order {
		id, err := c.id(name)
		if err != nil {
			continue
		}
		if err := c.ctrl.Stop(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DiscoverServices returns the ids of services whose name matches a glob
// pattern (* and ?), sorted by name.
func (c *Core) DiscoverServices(pattern string) []domain.ServiceID {
	return c.reg.List(registry.Filter{Pattern: pattern})
}

// Discover filters by name pattern, tag and type together.
func (c *Core) Discover(f registry.Filter) []domain.ServiceID {
	return c.reg.List(f)
}

// Service returns a snapshot by id.
func (c *Core) Service(id domain.ServiceID) (domain.ServiceSnapshot, error) {
	return c.reg.Get(id)
}

// RouteRequest selects one instance of a logical service.
func (c *Core) RouteRequest(req domain.RoutingRequest) (domain.RoutingResponse, error) {
	return c.bal.Route(req)
}

// ReportOutcome feeds a completed request back into load statistics and the
// circuit breaker.
func (c *Core) ReportOutcome(out domain.Outcome) error {
	return c.bal.Report(out)
}

// GetHealth aggregates the last probe results of a service's instances.
func (c *Core) GetHealth(id domain.ServiceID) (domain.ServiceHealth, error) {
	return c.mon.Service(id)
}

// InstanceHealth returns the last result of an instance, or probes it now when
// fresh is set.
func (c *Core) InstanceHealth(ctx context.Context, iid domain.InstanceID, fresh bool) (domain.HealthResult, error) {
	if fresh {
		ctx, cancel := c.call(ctx)
		defer cancel()
		return c.mon.CheckNow(ctx, iid)
	}
	inst, err := c.reg.Instance(iid)
	if err != nil {
		return domain.HealthResult{}, err
	}
	return inst.Health, nil
}

// Faults returns the open fault records.
func (c *Core) Faults() []domain.FaultRecord { return c.eng.Records() }

// FaultHistory returns cleared and terminal faults.
func (c *Core) FaultHistory() []domain.FaultRecord { return c.eng.History() }

// ResetFault forgets the fault of an instance so recovery may run again.
func (c *Core) ResetFault(iid domain.InstanceID) bool { return c.eng.Reset(iid) }

// Collect drops load statistics and fault records of instances that no longer
// exist. It returns how many entries went away.
func (c *Core) Collect() int {
	return c.bal.Prune() + c.eng.Prune()
}
