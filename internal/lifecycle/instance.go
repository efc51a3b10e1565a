package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

const killTimeout = 5 * time.Second

type startResult struct {
	handle domain.Handle
	err    error
}

// startInstance brings one existing instance to Running.
func (c *Controller) startInstance(ctx context.Context, iid domain.InstanceID, def domain.ServiceDefinition) error {
	unlock := c.lockInstance(iid)
	defer unlock()

	inst, err := c.reg.Instance(iid)
	if err != nil {
		return err
	}
	switch inst.State {
	case domain.StateRunning:
		return nil
	case domain.StateStopped, domain.StateFailed:
		if inst.State == domain.StateFailed {
			c.kill(inst)
		}
		if inst, err = c.setState(inst, domain.StateStarting, nil); err != nil {
			return err
		}
	}
	return c.launch(ctx, inst, def)
}

// launch runs the executor for a Starting instance under the transition timeout.
// Caller holds the instance lock.
func (c *Controller) launch(ctx context.Context, inst domain.Instance, def domain.ServiceDefinition) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TransitionTimeout)
	defer cancel()

	done := make(chan startResult, 1)
	go func() {
		h, err := c.exec.Start(tctx, specFor(def, inst))
		done <- startResult{handle: h, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			cause := res.err
			if tctx.Err() != nil && !errors.Is(cause, domain.ErrServiceTimeout) {
				cause = fmt.Errorf("%w: %v", domain.ErrServiceTimeout, res.err)
			}
			_, _ = c.setState(inst, domain.StateFailed, cause)
			return fmt.Errorf("start %s/%d: %w", inst.Name, inst.Ordinal, cause)
		}
		if err := c.writer.SetHandle(inst.ID, res.handle, c.now()); err != nil {
			return err
		}
		inst.Handle = res.handle
		_, err := c.setState(inst, domain.StateRunning, nil)
		return err

	case <-tctx.Done():
		cause := fmt.Errorf("%w: %s/%d did not start within %s",
			domain.ErrServiceTimeout, inst.Name, inst.Ordinal, c.cfg.TransitionTimeout)
		if ctx.Err() != nil {
			cause = fmt.Errorf("%w: %s/%d start abandoned: %v",
				domain.ErrServiceTimeout, inst.Name, inst.Ordinal, ctx.Err())
		}
		_, _ = c.setState(inst, domain.StateFailed, cause)

		// A start that completes after the deadline leaves an orphan unit.
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			if res := <-done; res.err == nil {
				orphan := inst
				orphan.Handle = res.handle
				c.kill(orphan)
			}
		}()
		return cause
	}
}

// stopInstance halts one instance and optionally destroys its record.
func (c *Controller) stopInstance(ctx context.Context, iid domain.InstanceID, remove bool) error {
	unlock := c.lockInstance(iid)
	defer unlock()

	inst, err := c.reg.Instance(iid)
	if err != nil {
		if remove && errors.Is(err, domain.ErrServiceNotFound) {
			return nil
		}
		return err
	}
	if err := c.halt(ctx, inst); err != nil {
		return err
	}
	if !remove {
		return nil
	}
	if err := c.writer.RemoveInstance(iid); err != nil {
		return err
	}
	c.forgetInstance(inst)
	return nil
}

// halt moves an instance to Stopped. Terminate is escalated to Kill; when both
// fail the instance ends Failed. Caller holds the instance lock.
func (c *Controller) halt(ctx context.Context, inst domain.Instance) error {
	switch inst.State {
	case domain.StateStopped:
		return nil
	case domain.StateFailed:
		c.kill(inst)
		_, err := c.setState(inst, domain.StateStopped, nil)
		return err
	}

	inst, err := c.setState(inst, domain.StateStopping, nil)
	if err != nil {
		return err
	}
	if inst.Handle != 0 {
		tctx, cancel := context.WithTimeout(ctx, c.cfg.TransitionTimeout)
		terr := c.exec.Signal(tctx, inst.Handle, domain.SignalTerminate)
		cancel()
		if terr != nil {
			c.log.Warn("terminate failed, killing",
				logger.String("service", inst.Name),
				logger.Int("ordinal", inst.Ordinal),
				logger.Error(terr))
			kctx, kcancel := context.WithTimeout(context.Background(), killTimeout)
			kerr := c.exec.Signal(kctx, inst.Handle, domain.SignalKill)
			kcancel()
			if kerr != nil {
				cause := fmt.Errorf("%w: %s/%d did not stop: %v", domain.ErrServiceTimeout, inst.Name, inst.Ordinal, kerr)
				_, _ = c.setState(inst, domain.StateFailed, cause)
				return cause
			}
		}
	}
	_, err = c.setState(inst, domain.StateStopped, nil)
	return err
}

// kill sends Kill on a best-effort basis.
func (c *Controller) kill(inst domain.Instance) {
	if inst.Handle == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := c.exec.Signal(ctx, inst.Handle, domain.SignalKill); err != nil {
		c.log.Debug("kill failed",
			logger.String("service", inst.Name),
			logger.Int("ordinal", inst.Ordinal),
			logger.Error(err))
	}
}

// RestartInstance stops and starts one instance and increments its restart counter.
func (c *Controller) RestartInstance(ctx context.Context, iid domain.InstanceID) error {
	unlock := c.lockInstance(iid)
	defer unlock()

	inst, err := c.reg.Instance(iid)
	if err != nil {
		return err
	}
	def, err := c.reg.Definition(inst.Service)
	if err != nil {
		return err
	}
	if err := c.checkDependencies(def); err != nil {
		return err
	}
	if err := c.halt(ctx, inst); err != nil {
		return err
	}
	n, err := c.writer.IncrementRestarts(iid)
	if err != nil {
		return err
	}
	if inst, err = c.reg.Instance(iid); err != nil {
		return err
	}
	c.log.Info("restarting instance",
		logger.String("service", inst.Name),
		logger.Int("ordinal", inst.Ordinal),
		logger.Int("restarts", n))
	if inst, err = c.setState(inst, domain.StateStarting, nil); err != nil {
		return err
	}
	return c.launch(ctx, inst, def)
}

// ReplaceInstance destroys an instance and starts a fresh one at the same ordinal.
// The restart counter carries over.
func (c *Controller) ReplaceInstance(ctx context.Context, iid domain.InstanceID) (domain.InstanceID, error) {
	old, err := c.reg.Instance(iid)
	if err != nil {
		return 0, err
	}
	unlock := c.lockService(old.Service)
	defer unlock()

	def, err := c.reg.Definition(old.Service)
	if err != nil {
		return 0, err
	}
	if err := c.checkDependencies(def); err != nil {
		return 0, err
	}
	if err := c.stopInstance(ctx, iid, true); err != nil {
		return 0, err
	}

	fresh, err := c.writer.AddInstance(old.Service, old.Ordinal)
	if err != nil {
		return 0, err
	}
	if err := c.writer.SetRestarts(fresh.ID, old.Restarts+1); err != nil {
		return 0, err
	}
	c.announce(fresh, domain.StateStopped, nil)
	c.log.Info("replacing instance",
		logger.String("service", old.Name),
		logger.Int("ordinal", old.Ordinal),
		logger.Uint64("old", uint64(old.ID)),
		logger.Uint64("new", uint64(fresh.ID)))
	return fresh.ID, c.startInstance(ctx, fresh.ID, def)
}

// ScaleUp adds and starts one instance at the lowest free ordinal.
func (c *Controller) ScaleUp(ctx context.Context, id domain.ServiceID) (domain.InstanceID, error) {
	unlock := c.lockService(id)
	defer unlock()

	snap, err := c.reg.Get(id)
	if err != nil {
		return 0, err
	}
	def := snap.Definition
	if len(snap.Instances) >= def.MaxInstances() {
		return 0, fmt.Errorf("%w: %s already has %d instances", domain.ErrResourceExhausted, def.Name, len(snap.Instances))
	}
	if err := c.checkDependencies(def); err != nil {
		return 0, err
	}

	ordinals := make([]int, 0, len(snap.Instances))
	for _, inst := range snap.Instances {
		ordinals = append(ordinals, inst.Ordinal)
	}
	ord := 0
	for slices.Contains(ordinals, ord) {
		ord++
	}

	inst, err := c.writer.AddInstance(id, ord)
	if err != nil {
		return 0, err
	}
	c.announce(inst, domain.StateStopped, nil)
	c.log.Info("scaling up", logger.String("service", def.Name), logger.Int("ordinal", ord))
	return inst.ID, c.startInstance(ctx, inst.ID, def)
}

// ScaleDown stops and destroys victim, or the highest ordinal when victim is 0.
// The last instance of a service is never removed.
func (c *Controller) ScaleDown(ctx context.Context, id domain.ServiceID, victim domain.InstanceID) (domain.InstanceID, error) {
	unlock := c.lockService(id)
	defer unlock()

	snap, err := c.reg.Get(id)
	if err != nil {
		return 0, err
	}
	if len(snap.Instances) <= 1 {
		return 0, fmt.Errorf("%w: %s cannot scale below one instance", domain.ErrResourceExhausted, snap.Definition.Name)
	}
	if victim == 0 {
		top := snap.Instances[0]
		for _, inst := range snap.Instances[1:] {
			if inst.Ordinal > top.Ordinal {
				top = inst
			}
		}
		victim = top.ID
	} else if !slices.ContainsFunc(snap.Instances, func(i domain.Instance) bool { return i.ID == victim }) {
		return 0, fmt.Errorf("%w: instance %d of %s", domain.ErrServiceNotFound, victim, snap.Definition.Name)
	}
	c.log.Info("scaling down", logger.String("service", snap.Definition.Name), logger.Uint64("instance", uint64(victim)))
	return victim, c.stopInstance(ctx, victim, true)
}

// Reload delivers the reload signal to a Running instance.
func (c *Controller) Reload(ctx context.Context, iid domain.InstanceID) error {
	unlock := c.lockInstance(iid)
	defer unlock()

	inst, err := c.reg.Instance(iid)
	if err != nil {
		return err
	}
	if inst.State != domain.StateRunning {
		return fmt.Errorf("%w: %s/%d is %s", domain.ErrPermissionDenied, inst.Name, inst.Ordinal, inst.State)
	}
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TransitionTimeout)
	defer cancel()
	if err := c.exec.Signal(tctx, inst.Handle, domain.SignalReload); err != nil {
		return fmt.Errorf("reload %s/%d: %w", inst.Name, inst.Ordinal, err)
	}
	c.log.Info("reloaded instance", logger.String("service", inst.Name), logger.Int("ordinal", inst.Ordinal))
	return nil
}

// RestartWithDependencies starts any required dependency that is not Running,
// in dependency order, then restarts the instance.
func (c *Controller) RestartWithDependencies(ctx context.Context, iid domain.InstanceID) error {
	inst, err := c.reg.Instance(iid)
	if err != nil {
		return err
	}
	order, err := c.res.StartOrder([]string{inst.Name})
	if err != nil {
		return err
	}
	for _, name := range order {
		if name == inst.Name {
			continue
		}
		snap, err := c.reg.Lookup(name)
		if err != nil || snap.Running() {
			continue
		}
		if err := c.Start(ctx, snap.ID, Automatic); err != nil && !errors.Is(err, domain.ErrDependencyNotRunning) {
			return fmt.Errorf("start dependency %s: %w", name, err)
		}
	}
	return c.RestartInstance(ctx, iid)
}

// MarkFailed forces an instance into Failed, killing its unit first.
func (c *Controller) MarkFailed(ctx context.Context, iid domain.InstanceID, cause error) error {
	unlock := c.lockInstance(iid)
	defer unlock()

	inst, err := c.reg.Instance(iid)
	if err != nil {
		return err
	}
	if inst.State == domain.StateFailed {
		return nil
	}
	if ctx.Err() == nil {
		c.kill(inst)
	}
	_, err = c.setState(inst, domain.StateFailed, cause)
	return err
}

// Impaired reports whether a service runs with a required dependency down under
// the degrade policy. The health monitor caps such services at Degraded.
func (c *Controller) Impaired(id domain.ServiceID) bool {
	if c.cfg.DependencyPolicy != DependencyDegrade {
		return false
	}
	def, err := c.reg.Definition(id)
	if err != nil {
		return false
	}
	return c.checkDependencies(def) != nil
}
