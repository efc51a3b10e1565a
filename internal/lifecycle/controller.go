// Package lifecycle drives instances through Stopped, Starting, Running, Stopping
// and Failed.
//
// Every transition of an instance holds that instance's transition lock for its
// whole duration. Operations that add or remove instances of a service also hold
// the service lock, always taken before any instance lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/notify"
	"github.com/MrSnakeDoc/keel/internal/registry"
	"github.com/MrSnakeDoc/keel/internal/resolver"
)

// Controller executes start, stop and restart against the registry.
type Controller struct {
	reg    *registry.Registry
	writer *registry.StateWriter
	res    *resolver.Resolver
	exec   Executor
	cfg    Config
	log    logger.Logger
	met    *metrics.Metrics
	events *notify.Hub[domain.TransitionEvent]
	now    func() time.Time

	mu        sync.Mutex
	svcLocks  map[domain.ServiceID]*sync.Mutex
	instLocks map[domain.InstanceID]*sync.Mutex

	background sync.WaitGroup
}

// New claims the registry state writer. Only one controller may exist per registry.
func New(
	reg *registry.Registry,
	res *resolver.Resolver,
	exec Executor,
	cfg Config,
	log logger.Logger,
	met *metrics.Metrics,
) (*Controller, error) {
	writer, err := reg.ClaimStateWriter()
	if err != nil {
		return nil, err
	}
	events := notify.NewHub[domain.TransitionEvent](0)
	events.OnDrop(met.DroppedEvent)
	return &Controller{
		reg:       reg,
		writer:    writer,
		res:       res,
		exec:      exec,
		cfg:       cfg.withDefaults(),
		log:       log.Named("lifecycle"),
		met:       met,
		events:    events,
		now:       time.Now,
		svcLocks:  make(map[domain.ServiceID]*sync.Mutex),
		instLocks: make(map[domain.InstanceID]*sync.Mutex),
	}, nil
}

// Subscribe returns a queue of every transition.
func (c *Controller) Subscribe(name string) *notify.Queue[domain.TransitionEvent] {
	return c.events.Subscribe(name)
}

// Unsubscribe detaches a queue returned by Subscribe.
func (c *Controller) Unsubscribe(q *notify.Queue[domain.TransitionEvent]) {
	c.events.Unsubscribe(q)
}

// Close waits for background work and closes every subscription.
func (c *Controller) Close() {
	c.background.Wait()
	c.events.Close()
}

// Start brings every replica of a service to Running. It is a no-op when they
// already run. Every required dependency must be Running at the moment of the call.
func (c *Controller) Start(ctx context.Context, id domain.ServiceID, trigger Trigger) error {
	unlock := c.lockService(id)
	defer unlock()

	snap, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	def := snap.Definition
	if trigger == Automatic && snap.Blocked() {
		return fmt.Errorf("%w: %s is %s", domain.ErrPermissionDenied, def.Name, blockReason(snap))
	}
	if err := c.checkDependencies(def); err != nil {
		return err
	}

	used := make(map[int]bool, len(snap.Instances))
	var todo []domain.InstanceID
	for _, inst := range snap.Instances {
		used[inst.Ordinal] = true
		if inst.State != domain.StateRunning && inst.State != domain.StateStarting {
			todo = append(todo, inst.ID)
		}
	}
	for ord := 0; ord < def.ReplicaCount(); ord++ {
		if used[ord] {
			continue
		}
		inst, err := c.writer.AddInstance(id, ord)
		if err != nil {
			return err
		}
		c.announce(inst, domain.StateStopped, nil)
		todo = append(todo, inst.ID)
	}
	if len(todo) == 0 {
		return nil
	}

	c.log.Info("starting service",
		logger.String("service", def.Name),
		logger.Int("instances", len(todo)))

	var g errgroup.Group
	for _, iid := range todo {
		g.Go(func() error { return c.startInstance(ctx, iid, def) })
	}
	return g.Wait()
}

// Stop stops dependents according to the stop policy, then every instance of the
// service, and destroys the instance records.
func (c *Controller) Stop(ctx context.Context, id domain.ServiceID) error {
	def, err := c.reg.Definition(id)
	if err != nil {
		return err
	}
	if _, err := c.stopDependents(ctx, def.Name); err != nil {
		return err
	}

	unlock := c.lockService(id)
	defer unlock()

	if active := c.activeDependents(def.Name); len(active) > 0 {
		return fmt.Errorf("%w: %s is required by %s", domain.ErrDependentsRunning, def.Name, joinNames(active))
	}
	snap, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	if len(snap.Instances) == 0 {
		return nil
	}

	c.log.Info("stopping service", logger.String("service", def.Name))
	var g errgroup.Group
	for _, inst := range snap.Instances {
		g.Go(func() error { return c.stopInstance(ctx, inst.ID, true) })
	}
	return g.Wait()
}

// Restart stops then starts every instance of a service, preserving restart
// counters. Dependents stopped by a cascade are started again afterwards.
func (c *Controller) Restart(ctx context.Context, id domain.ServiceID) error {
	def, err := c.reg.Definition(id)
	if err != nil {
		return err
	}
	if err := c.checkDependencies(def); err != nil {
		return err
	}
	cascaded, err := c.stopDependents(ctx, def.Name)
	if err != nil {
		return err
	}

	if err := c.restartOwn(ctx, id, def); err != nil {
		return err
	}

	if len(cascaded) == 0 {
		return nil
	}
	order, err := c.res.StartOrder(cascaded)
	if err != nil {
		return err
	}
	for _, name := range order {
		if !slices.Contains(cascaded, name) {
			continue
		}
		depID, ok := c.reg.ID(name)
		if !ok {
			continue
		}
		if err := c.Start(ctx, depID, Manual); err != nil {
			return fmt.Errorf("restart dependent %s: %w", name, err)
		}
	}
	return nil
}

func (c *Controller) restartOwn(ctx context.Context, id domain.ServiceID, def domain.ServiceDefinition) error {
	unlock := c.lockService(id)
	defer unlock()

	snap, err := c.reg.Get(id)
	if err != nil {
		return err
	}
	c.log.Info("restarting service", logger.String("service", def.Name))

	used := make(map[int]bool, len(snap.Instances))
	var g errgroup.Group
	for _, inst := range snap.Instances {
		used[inst.Ordinal] = true
		g.Go(func() error { return c.RestartInstance(ctx, inst.ID) })
	}
	for ord := 0; ord < def.ReplicaCount(); ord++ {
		if used[ord] {
			continue
		}
		inst, err := c.writer.AddInstance(id, ord)
		if err != nil {
			_ = g.Wait()
			return err
		}
		c.announce(inst, domain.StateStopped, nil)
		g.Go(func() error { return c.startInstance(ctx, inst.ID, def) })
	}
	return g.Wait()
}

// Enable clears the Disabled flag.
func (c *Controller) Enable(id domain.ServiceID) error { return c.reg.SetDisabled(id, false) }

// Disable sets the Disabled flag. Running instances keep running.
func (c *Controller) Disable(id domain.ServiceID) error { return c.reg.SetDisabled(id, true) }

// Pause sets the Paused flag, suspending automatic starts and recovery.
func (c *Controller) Pause(id domain.ServiceID) error { return c.reg.SetPaused(id, true) }

// Resume clears the Paused flag.
func (c *Controller) Resume(id domain.ServiceID) error { return c.reg.SetPaused(id, false) }

// checkDependencies requires every required dependency to be Running now.
func (c *Controller) checkDependencies(def domain.ServiceDefinition) error {
	for _, dep := range def.RequiredDependencies {
		snap, err := c.reg.Lookup(dep)
		if err != nil {
			return fmt.Errorf("%w: %s requires %s: %v", domain.ErrDependencyNotRunning, def.Name, dep, err)
		}
		if !snap.Running() {
			return fmt.Errorf("%w: %s requires %s (%s)", domain.ErrDependencyNotRunning, def.Name, dep, snap.State())
		}
	}
	return nil
}

// activeDependents returns names of services requiring name that have an
// instance starting, running or stopping.
func (c *Controller) activeDependents(name string) []string {
	var out []string
	for _, dep := range c.reg.Dependents(name, true) {
		snap, err := c.reg.Lookup(dep)
		if err != nil {
			continue
		}
		for _, inst := range snap.Instances {
			if inst.State == domain.StateStarting || inst.State == domain.StateRunning || inst.State == domain.StateStopping {
				out = append(out, dep)
				break
			}
		}
	}
	return out
}

// stopDependents applies the stop policy and returns the names it stopped.
func (c *Controller) stopDependents(ctx context.Context, name string) ([]string, error) {
	active := c.activeDependents(name)
	if len(active) == 0 {
		return nil, nil
	}
	if c.cfg.StopPolicy == StopFailFast {
		return nil, fmt.Errorf("%w: %s is required by %s", domain.ErrDependentsRunning, name, joinNames(active))
	}

	stopped := make([]string, 0, len(active))
	for _, dep := range active {
		id, ok := c.reg.ID(dep)
		if !ok {
			continue
		}
		c.log.Info("cascading stop to dependent",
			logger.String("service", name),
			logger.String("dependent", dep))
		if err := c.Stop(ctx, id); err != nil {
			return stopped, fmt.Errorf("cascade stop %s: %w", dep, err)
		}
		stopped = append(stopped, dep)
	}
	return stopped, nil
}

// announce publishes a transition that already happened in the registry.
func (c *Controller) announce(inst domain.Instance, from domain.State, cause error) {
	ord := strconv.Itoa(inst.Ordinal)
	c.met.ObserveTransition(inst.Name, ord, inst.State.String(), int(inst.State))
	c.events.Publish(domain.TransitionEvent{
		Service:  inst.Service,
		Name:     inst.Name,
		Instance: inst.ID,
		From:     from,
		To:       inst.State,
		Err:      cause,
		At:       c.now(),
	})
}

// setState writes a new state and publishes the transition.
func (c *Controller) setState(inst domain.Instance, to domain.State, cause error) (domain.Instance, error) {
	prev, err := c.writer.UpdateState(inst.ID, to)
	if err != nil {
		return inst, err
	}
	inst.State = to
	c.announce(inst, prev, cause)

	fields := []logger.Field{
		logger.String("service", inst.Name),
		logger.Int("ordinal", inst.Ordinal),
		logger.Stringer("from", prev),
		logger.Stringer("to", to),
	}
	if cause != nil {
		c.log.Warn("instance transition", append(fields, logger.Error(cause))...)
	} else {
		c.log.Debug("instance transition", fields...)
	}
	return inst, nil
}

func (c *Controller) lockService(id domain.ServiceID) func() {
	c.mu.Lock()
	m, ok := c.svcLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.svcLocks[id] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Controller) lockInstance(id domain.InstanceID) func() {
	c.mu.Lock()
	m, ok := c.instLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.instLocks[id] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Controller) forgetInstance(inst domain.Instance) {
	c.mu.Lock()
	delete(c.instLocks, inst.ID)
	c.mu.Unlock()
	c.met.ForgetInstance(inst.Name, strconv.Itoa(inst.Ordinal))
}

func blockReason(snap domain.ServiceSnapshot) string {
	if snap.Disabled {
		return "disabled"
	}
	return "paused"
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrServiceTimeout)
}
