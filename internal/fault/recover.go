package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

// recover drives one instance until it recovers, recovery is not allowed or
// attempts run out. Only one recover runs per tracker.
func (e *Engine) recover(iid domain.InstanceID, pattern domain.Pattern) {
	for {
		snap, def, ok := e.policyFor(iid)
		if !ok {
			return
		}
		pol := def.Recovery
		maxAttempts := pol.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}

		e.mu.Lock()
		t := e.trackers[iid]
		if t == nil {
			e.mu.Unlock()
			return
		}
		if t.rec.Attempts >= maxAttempts {
			e.mu.Unlock()
			e.terminate(iid, maxAttempts)
			return
		}
		n := t.rec.Attempts + 1
		pressure := max(t.sinceLast-1, 0)
		t.sinceLast = 0
		e.mu.Unlock()

		action := actionFor(pol.Action, pattern, n)
		delay := Delay(pol.Backoff, n, e.cfg.Ceiling, pressure)
		if action == domain.ActionDelayedRestart {
			// Waits at least the base delay, even without a backoff kind.
			delay = max(delay, capDelay(float64(pol.Backoff.Base), pol.Backoff.Max, e.cfg.Ceiling))
		}

		e.log.Info("recovery scheduled",
			logger.String("service", def.Name),
			logger.Uint64("instance", uint64(iid)),
			logger.Stringer("action", action),
			logger.Int("attempt", n),
			logger.Int("max_attempts", maxAttempts),
			logger.Duration("delay", delay))

		if err := e.sleep(e.ctx, delay); err != nil {
			return
		}
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		actx, cancel := context.WithTimeout(e.ctx, e.cfg.AttemptTimeout)
		next, err := e.perform(actx, action, iid, snap.ID)
		cancel()
		e.sem.Release(1)

		result := "success"
		if err != nil {
			result = "failure"
		}
		e.met.ObserveRecovery(def.Name, action.String(), result, delay)

		e.mu.Lock()
		t = e.trackers[iid]
		if t == nil {
			e.mu.Unlock()
			return
		}
		t.rec.Attempts = n
		t.rec.LastAction = action
		t.rec.Delays = append(t.rec.Delays, delay)
		e.stats.Attempts++
		if err != nil {
			e.stats.Failed++
			t.rec.Message = err.Error()
			if next != 0 && next != iid {
				// The replacement failed to start. It carries the fault from here.
				e.rekey(t, iid, next)
				iid = next
			}
			e.mu.Unlock()
			e.log.Warn("recovery attempt failed",
				logger.String("service", def.Name),
				logger.Uint64("instance", uint64(iid)),
				logger.Stringer("action", action),
				logger.Int("attempt", n),
				logger.Error(err))
			if pattern == domain.PatternIntermittent {
				// A failed reload hands over to the persistent ladder.
				pattern = domain.PatternPersistent
				e.mu.Lock()
				if t := e.trackers[iid]; t != nil {
					t.rec.Pattern = pattern
					t.rec.Severity = severityOf(pattern, t.rec.Source)
				}
				e.mu.Unlock()
			}
			continue
		}

		e.stats.Recovered++
		t.recovering = false
		t.healthy = 0
		switch {
		case next == 0:
			// The failing instance was scaled away.
			delete(e.trackers, iid)
			e.archive(t.rec)
		case next != iid:
			e.rekey(t, iid, next)
		}
		e.met.SetActiveFaults(len(e.trackers))
		e.mu.Unlock()

		e.log.Info("recovery attempt succeeded",
			logger.String("service", def.Name),
			logger.Uint64("instance", uint64(iid)),
			logger.Stringer("action", action),
			logger.Int("attempt", n))
		return
	}
}

// rekey moves t from the instance it tracked to its replacement. Caller holds e.mu.
func (e *Engine) rekey(t *tracker, from, to domain.InstanceID) {
	delete(e.trackers, from)
	t.rec.Instance = to
	e.trackers[to] = t
}

// policyFor loads the definition of the instance's service and stops recovery
// when the service is gone, blocked or opted out.
func (e *Engine) policyFor(iid domain.InstanceID) (domain.ServiceSnapshot, domain.ServiceDefinition, bool) {
	inst, err := e.reg.Instance(iid)
	if err == nil {
		var snap domain.ServiceSnapshot
		if snap, err = e.reg.Get(inst.Service); err == nil {
			def := snap.Definition
			if !snap.Blocked() && def.Recovery.AutoRestart {
				return snap, def, true
			}
			e.log.Info("recovery skipped",
				logger.String("service", def.Name),
				logger.Uint64("instance", uint64(iid)),
				logger.Bool("disabled", snap.Disabled),
				logger.Bool("paused", snap.Paused),
				logger.Bool("auto_restart", def.Recovery.AutoRestart))
			e.mu.Lock()
			if t := e.trackers[iid]; t != nil {
				t.recovering = false
			}
			e.mu.Unlock()
			return domain.ServiceSnapshot{}, domain.ServiceDefinition{}, false
		}
	}
	e.mu.Lock()
	if t := e.trackers[iid]; t != nil {
		delete(e.trackers, iid)
		e.archive(t.rec)
		e.met.SetActiveFaults(len(e.trackers))
	}
	e.mu.Unlock()
	return domain.ServiceSnapshot{}, domain.ServiceDefinition{}, false
}

// actionFor picks the action of attempt n. Intermittent faults get a reload
// first. Ladder policies climb restart, delayed restart, failover and stop at
// the configured rung.
func actionFor(policy domain.RecoveryAction, pattern domain.Pattern, n int) domain.RecoveryAction {
	if pattern == domain.PatternIntermittent {
		return domain.ActionConfigReload
	}
	if !policy.Escalates() {
		return policy
	}
	return min(domain.RecoveryAction(n-1), policy)
}

// perform runs one action and returns the instance that now carries the fault,
// zero when the failing instance no longer exists.
func (e *Engine) perform(ctx context.Context, action domain.RecoveryAction, iid domain.InstanceID, svc domain.ServiceID) (domain.InstanceID, error) {
	switch action {
	case domain.ActionRestart, domain.ActionDelayedRestart:
		return iid, e.ctrl.RestartInstance(ctx, iid)
	case domain.ActionFailover:
		return e.ctrl.ReplaceInstance(ctx, iid)
	case domain.ActionScaleUp:
		if _, err := e.ctrl.ScaleUp(ctx, svc); err != nil && !errors.Is(err, domain.ErrResourceExhausted) {
			return iid, err
		}
		return iid, e.ctrl.RestartInstance(ctx, iid)
	case domain.ActionScaleDown:
		_, err := e.ctrl.ScaleDown(ctx, svc, iid)
		if errors.Is(err, domain.ErrResourceExhausted) {
			return iid, e.ctrl.RestartInstance(ctx, iid)
		}
		if err != nil {
			return iid, err
		}
		return 0, nil
	case domain.ActionConfigReload:
		return iid, e.ctrl.Reload(ctx, iid)
	case domain.ActionDependencyRestart:
		return iid, e.ctrl.RestartWithDependencies(ctx, iid)
	}
	return iid, fmt.Errorf("%w: unknown recovery action %d", domain.ErrInvalidConfiguration, action)
}

// terminate leaves the instance Failed and reports the fault.
func (e *Engine) terminate(iid domain.InstanceID, attempts int) {
	cause := fmt.Errorf("%w: gave up after %d attempts", domain.ErrFaultToleranceExhausted, attempts)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
	defer cancel()
	if err := e.ctrl.MarkFailed(ctx, iid, cause); err != nil {
		e.log.Warn("mark failed", logger.Uint64("instance", uint64(iid)), logger.Error(err))
	}

	e.mu.Lock()
	t := e.trackers[iid]
	if t == nil {
		e.mu.Unlock()
		return
	}
	t.rec.Terminal = true
	t.rec.Severity = domain.SeverityFatal
	t.rec.Message = cause.Error()
	t.recovering = false
	e.stats.Terminal++
	rec := cloneRecord(t.rec)
	e.archive(rec)
	reporter := e.reporter
	e.mu.Unlock()

	e.met.TerminalFault()
	e.log.Error("fault tolerance exhausted",
		logger.String("service", rec.Name),
		logger.Uint64("instance", uint64(iid)),
		logger.Int("attempts", rec.Attempts),
		logger.Time("first_seen", rec.FirstSeen),
		logger.Duration("elapsed", time.Since(rec.FirstSeen)))

	if reporter != nil {
		if err := reporter.ReportFault(ctx, rec); err != nil {
			e.log.Warn("report terminal fault", logger.String("service", rec.Name), logger.Error(err))
		}
	}
}
