// Package orchestrator is the context object of the service manager. It builds
// the six components in dependency order and exposes the management API.
//
// Initialisation runs registry, resolver, lifecycle controller, health monitor,
// load balancer, fault engine. Shutdown stops probing and routing first and the
// fault engine last.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keel/internal/balancer"
	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/fault"
	"github.com/MrSnakeDoc/keel/internal/health"
	"github.com/MrSnakeDoc/keel/internal/lifecycle"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/registry"
	"github.com/MrSnakeDoc/keel/internal/resolver"
)

const DefaultCallTimeout = time.Minute

// Config groups the component configurations.
type Config struct {
	Registry  registry.Config
	Lifecycle lifecycle.Config
	Health    health.Config
	Balancer  balancer.Config
	Fault     fault.Config

	// CallTimeout bounds every blocking management call.
	CallTimeout time.Duration
	// StopOnShutdown stops every service in reverse dependency order on Shutdown.
	StopOnShutdown bool
}

// Core owns every component.
type Core struct {
	cfg Config
	log logger.Logger

	reg  *registry.Registry
	res  *resolver.Resolver
	ctrl *lifecycle.Controller
	mon  *health.Monitor
	bal  *balancer.Balancer
	eng  *fault.Engine

	mu        sync.Mutex
	running   bool
	stopRun   context.CancelFunc
	stopFault context.CancelFunc
	runWG     sync.WaitGroup
	faultWG   sync.WaitGroup
	// declared holds names that came from a manifest, unlisted the ones a later
	// manifest dropped and when.
	declared map[string]bool
	unlisted map[string]time.Time
}

// New builds the components. exec runs instances; when it also answers liveness
// queries the health monitor uses it for liveness checks.
func New(exec lifecycle.Executor, cfg Config, log logger.Logger, met *metrics.Metrics) (*Core, error) {
	if exec == nil {
		return nil, errors.New("orchestrator: nil executor")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	reg := registry.New(cfg.Registry)
	reg.SetAdmission(resolver.Admit)
	res := resolver.New(reg)

	ctrl, err := lifecycle.New(reg, res, exec, cfg.Lifecycle, log, met)
	if err != nil {
		return nil, err
	}

	live, _ := exec.(health.LivenessQuerier)
	mon := health.New(reg, live, cfg.Health, log, met)
	mon.SetImpaired(ctrl.Impaired)

	bal := balancer.New(reg, cfg.Balancer, log, met)
	eng := fault.New(reg, ctrl, cfg.Fault, log, met)

	return &Core{
		cfg:      cfg,
		log:      log.Named("core"),
		reg:      reg,
		res:      res,
		ctrl:     ctrl,
		mon:      mon,
		bal:      bal,
		eng:      eng,
		declared: make(map[string]bool),
		unlisted: make(map[string]time.Time),
	}, nil
}

// Start launches the background activities: the dependency watcher, health
// probing and fault detection. It returns immediately.
func (c *Core) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	faultCtx, stopFault := context.WithCancel(context.Background())
	runCtx, stopRun := context.WithCancel(context.Background())
	c.stopFault = stopFault
	c.stopRun = stopRun

	// Subscriptions exist before anything can publish to them.
	healthTransitions := c.ctrl.Subscribe("health")
	faultTransitions := c.ctrl.Subscribe("fault")
	faultHealth := c.mon.Subscribe("fault")
	faultRouting := c.bal.Subscribe("fault")
	registryChanges := c.reg.Subscribe("balancer")

	c.faultWG.Add(1)
	go func() {
		defer c.faultWG.Done()
		c.eng.Run(faultCtx, faultHealth, faultTransitions, faultRouting)
	}()

	c.runWG.Add(3)
	go func() {
		defer c.runWG.Done()
		c.ctrl.Run(runCtx)
	}()
	go func() {
		defer c.runWG.Done()
		defer c.reg.Unsubscribe(registryChanges)
		c.bal.Follow(runCtx, registryChanges)
	}()
	go func() {
		defer c.runWG.Done()
		c.mon.Run(runCtx, healthTransitions)
	}()

	c.log.Info("orchestrator started",
		logger.Int("services", c.reg.Len()),
		logger.Stringer("stop_policy", c.cfg.Lifecycle.StopPolicy),
		logger.Stringer("dependency_policy", c.cfg.Lifecycle.DependencyPolicy))
}

// Shutdown stops probing and routing, optionally stops every service, then
// stops the fault engine.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.stopRun()
	c.runWG.Wait()
	c.bal.Close()

	var errs []error
	if c.cfg.StopOnShutdown {
		if err := c.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.stopFault()
	c.faultWG.Wait()
	c.eng.Close()
	c.ctrl.Close()
	c.reg.Close()

	c.log.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Running reports whether Start was called and Shutdown was not.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Registry exposes the registry for read-only collaborators.
func (c *Core) Registry() *registry.Registry { return c.reg }

// Health exposes the health monitor, mainly to register command checks.
func (c *Core) Health() *health.Monitor { return c.mon }

// Balancer exposes the load balancer.
func (c *Core) Balancer() *balancer.Balancer { return c.bal }

// FaultEngine exposes the fault engine.
func (c *Core) FaultEngine() *fault.Engine { return c.eng }

// SetFaultReporter forwards terminal faults to r.
func (c *Core) SetFaultReporter(r fault.Reporter) { c.eng.SetReporter(r) }

func (c *Core) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Core) id(name string) (domain.ServiceID, error) {
	snap, err := c.reg.Lookup(name)
	if err != nil {
		return 0, err
	}
	return snap.ID, nil
}
