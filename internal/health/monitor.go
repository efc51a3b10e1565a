// Package health probes running instances and publishes their results.
//
// Each watched instance has its own probe loop. A cycle retries a failing check
// up to MaxRetries times before recording Unhealthy, while a single success
// records Healthy at once. Results land in the registry and are fanned out to
// subscriber queues so a slow consumer never stalls a probe.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/notify"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

const DefaultReconcileInterval = time.Second

// Config tunes the monitor.
type Config struct {
	// ReconcileInterval is how often the watched set is compared with the
	// registry's Running instances.
	ReconcileInterval time.Duration
}

// ImpairedFunc reports whether a service must be capped at Degraded.
type ImpairedFunc func(id domain.ServiceID) bool

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor owns one probe loop per Running instance.
type Monitor struct {
	reg      *registry.Registry
	live     LivenessQuerier
	limits   LimitChecker
	impaired ImpairedFunc
	log      logger.Logger
	met      *metrics.Metrics
	events   *notify.Hub[domain.HealthEvent]
	client   *http.Client
	interval time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	commands map[string]CommandFunc
	watches  map[domain.InstanceID]*watch
	streaks  map[domain.InstanceID]int
	cycleMu  map[domain.InstanceID]*sync.Mutex

	probes atomic.Uint64
}

func New(
	reg *registry.Registry,
	live LivenessQuerier,
	cfg Config,
	log logger.Logger,
	met *metrics.Metrics,
) *Monitor {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	events := notify.NewHub[domain.HealthEvent](0)
	events.OnDrop(met.DroppedEvent)
	limits, _ := live.(LimitChecker)
	return &Monitor{
		reg:      reg,
		live:     live,
		limits:   limits,
		log:      log.Named("health"),
		met:      met,
		events:   events,
		client:   newHTTPClient(),
		interval: cfg.ReconcileInterval,
		now:      time.Now,
		commands: make(map[string]CommandFunc),
		watches:  make(map[domain.InstanceID]*watch),
		streaks:  make(map[domain.InstanceID]int),
		cycleMu:  make(map[domain.InstanceID]*sync.Mutex),
	}
}

// SetImpaired installs the dependency impairment hook.
func (m *Monitor) SetImpaired(fn ImpairedFunc) {
	m.mu.Lock()
	m.impaired = fn
	m.mu.Unlock()
}

// RegisterCommand makes fn available to checks of kind command under name.
func (m *Monitor) RegisterCommand(name string, fn CommandFunc) {
	m.mu.Lock()
	m.commands[name] = fn
	m.mu.Unlock()
}

// Subscribe returns a queue receiving every cycle result.
func (m *Monitor) Subscribe(name string) *notify.Queue[domain.HealthEvent] {
	return m.events.Subscribe(name)
}

// Unsubscribe detaches a queue returned by Subscribe.
func (m *Monitor) Unsubscribe(q *notify.Queue[domain.HealthEvent]) {
	m.events.Unsubscribe(q)
}

// Probes returns the number of completed cycles.
func (m *Monitor) Probes() uint64 { return m.probes.Load() }

// Run keeps probe loops in line with the registry until ctx is done.
// transitions may be nil; when set, loops follow lifecycle changes without
// waiting for the next reconcile tick.
func (m *Monitor) Run(ctx context.Context, transitions *notify.Queue[domain.TransitionEvent]) {
	m.reconcile(ctx)

	if transitions != nil {
		go func() {
			for {
				ev, ok := transitions.Next(ctx)
				if !ok {
					return
				}
				if ev.To == domain.StateRunning {
					m.Watch(ctx, ev.Instance)
				} else if ev.From == domain.StateRunning {
					m.Unwatch(ev.Instance)
				}
			}
		}()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reconcile(ctx)
		case <-ctx.Done():
			m.Close()
			return
		}
	}
}

// reconcile watches every Running instance and forgets the rest.
func (m *Monitor) reconcile(ctx context.Context) {
	running := make(map[domain.InstanceID]bool)
	for _, iid := range m.reg.InstanceIDs() {
		inst, err := m.reg.Instance(iid)
		if err != nil || inst.State != domain.StateRunning {
			continue
		}
		running[iid] = true
		m.Watch(ctx, iid)
	}

	m.mu.RLock()
	var stale []domain.InstanceID
	for iid := range m.watches {
		if !running[iid] {
			stale = append(stale, iid)
		}
	}
	m.mu.RUnlock()
	for _, iid := range stale {
		m.Unwatch(iid)
	}
}

// Watch starts the probe loop of an instance. It is a no-op when already watched.
func (m *Monitor) Watch(ctx context.Context, iid domain.InstanceID) {
	m.mu.Lock()
	if _, ok := m.watches[iid]; ok {
		m.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}
	m.watches[iid] = w
	m.mu.Unlock()

	go m.loop(wctx, iid, w)
}

// Unwatch stops the probe loop of an instance and waits for it.
func (m *Monitor) Unwatch(iid domain.InstanceID) {
	m.mu.Lock()
	w, ok := m.watches[iid]
	delete(m.watches, iid)
	delete(m.streaks, iid)
	delete(m.cycleMu, iid)
	m.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Close stops every loop and closes all subscriptions.
func (m *Monitor) Close() {
	m.mu.RLock()
	ids := make([]domain.InstanceID, 0, len(m.watches))
	for iid := range m.watches {
		ids = append(ids, iid)
	}
	m.mu.RUnlock()
	for _, iid := range ids {
		m.Unwatch(iid)
	}
	m.events.Close()
}

func (m *Monitor) loop(ctx context.Context, iid domain.InstanceID, w *watch) {
	defer close(w.done)
	for {
		inst, err := m.reg.Instance(iid)
		if err != nil {
			return
		}
		def, err := m.reg.Definition(inst.Service)
		if err != nil {
			return
		}
		if _, _, err := m.cycle(ctx, iid); err != nil {
			m.log.Debug("probe cycle skipped", logger.Uint64("instance", uint64(iid)), logger.Error(err))
		}

		t := time.NewTimer(def.HealthCheck.EffectiveInterval())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// CheckNow runs one probe cycle of a Running instance immediately.
func (m *Monitor) CheckNow(ctx context.Context, iid domain.InstanceID) (domain.HealthResult, error) {
	res, ok, err := m.cycle(ctx, iid)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("%w: instance %d is not running", domain.ErrHealthCheckFailed, iid)
	}
	return res, nil
}

// cycle probes an instance once, retrying failures, then records and publishes
// the result. Instances that are not Running are skipped and keep their last
// known result.
func (m *Monitor) cycle(ctx context.Context, iid domain.InstanceID) (domain.HealthResult, bool, error) {
	lock := m.cycleLock(iid)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.reg.Instance(iid)
	if err != nil {
		return domain.HealthResult{}, false, err
	}
	if inst.State != domain.StateRunning {
		return inst.Health, false, nil
	}
	def, err := m.reg.Definition(inst.Service)
	if err != nil {
		return domain.HealthResult{}, false, err
	}
	cfg := def.HealthCheck

	var (
		took     time.Duration
		probeErr error
		attempts int
	)
	for attempts = 1; attempts <= 1+cfg.MaxRetries; attempts++ {
		took, probeErr = m.attempt(ctx, cfg, inst)
		if probeErr == nil || ctx.Err() != nil {
			break
		}
	}
	if attempts > 1+cfg.MaxRetries {
		attempts = 1 + cfg.MaxRetries
	}
	if ctx.Err() != nil {
		return inst.Health, false, ctx.Err()
	}

	res := domain.HealthResult{
		Status:    domain.HealthHealthy,
		Latency:   took,
		Attempts:  attempts,
		CheckedAt: m.now(),
	}
	switch {
	case probeErr != nil:
		res.Status = domain.HealthUnhealthy
		res.Message = probeErr.Error()
	case cfg.DegradedLatency > 0 && took > cfg.DegradedLatency:
		res.Status = domain.HealthDegraded
		res.Message = fmt.Sprintf("latency %s above %s", took.Round(time.Millisecond), cfg.DegradedLatency)
	case m.isImpaired(inst.Service):
		res.Status = domain.HealthDegraded
		res.Message = "required dependency not running"
	}

	streak := m.bumpStreak(iid, res.Status.Routable())
	res.Score = domain.HealthScore(res.Status, streak, took, cfg.EffectiveTimeout(), 0, cfg.EffectiveInterval())

	prev, recorded, err := m.reg.RecordHealthFor(iid, inst.Handle, res)
	if err != nil {
		return res, false, err
	}
	if !recorded {
		// Stopped or restarted while probing. The result describes a unit that is gone.
		m.log.Debug("stale probe result dropped",
			logger.String("service", inst.Name),
			logger.Int("ordinal", inst.Ordinal))
		return res, false, nil
	}
	m.probes.Add(1)
	m.met.ObserveProbe(inst.Name, strconv.Itoa(inst.Ordinal), cfg.Kind.String(), res.Status.String(), res.Score, took)

	ev := domain.HealthEvent{
		Service:  inst.Service,
		Name:     inst.Name,
		Instance: iid,
		Previous: prev,
		Result:   res,
	}
	m.events.Publish(ev)

	if ev.Changed() {
		fields := []logger.Field{
			logger.String("service", inst.Name),
			logger.Int("ordinal", inst.Ordinal),
			logger.Stringer("from", prev),
			logger.Stringer("to", res.Status),
			logger.Float64("score", res.Score),
		}
		if res.Status == domain.HealthUnhealthy {
			m.log.Warn("instance unhealthy", append(fields, logger.String("reason", res.Message))...)
		} else {
			m.log.Info("instance health changed", fields...)
		}
	}
	return res, true, nil
}

func (m *Monitor) isImpaired(id domain.ServiceID) bool {
	m.mu.RLock()
	fn := m.impaired
	m.mu.RUnlock()
	return fn != nil && fn(id)
}

func (m *Monitor) bumpStreak(iid domain.InstanceID, ok bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.streaks[iid] = 0
		return 0
	}
	m.streaks[iid]++
	return m.streaks[iid]
}

func (m *Monitor) cycleLock(iid domain.InstanceID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.cycleMu[iid]
	if !ok {
		l = &sync.Mutex{}
		m.cycleMu[iid] = l
	}
	return l
}

// Service aggregates instance results. The best instance status wins and the
// score is the mean of instance scores, aged to now.
func (m *Monitor) Service(id domain.ServiceID) (domain.ServiceHealth, error) {
	snap, err := m.reg.Get(id)
	if err != nil {
		return domain.ServiceHealth{}, err
	}
	out := domain.ServiceHealth{
		Service:   id,
		Name:      snap.Definition.Name,
		Status:    domain.HealthUnknown,
		Instances: make(map[domain.InstanceID]domain.HealthResult, len(snap.Instances)),
	}
	now := m.now()
	interval := snap.Definition.HealthCheck.EffectiveInterval()
	var total float64
	for _, inst := range snap.Instances {
		h := inst.Health
		out.Instances[inst.ID] = h
		total += domain.AgedScore(h.Score, h.Status, now.Sub(h.CheckedAt), interval)
		if rank(h.Status) > rank(out.Status) {
			out.Status = h.Status
		}
		if h.CheckedAt.After(out.CheckedAt) {
			out.CheckedAt = h.CheckedAt
		}
	}
	if n := len(snap.Instances); n > 0 {
		out.Score = total / float64(n)
	}
	return out, nil
}

func rank(s domain.HealthStatus) int {
	switch s {
	case domain.HealthHealthy:
		return 3
	case domain.HealthDegraded:
		return 2
	case domain.HealthUnhealthy:
		return 1
	default:
		return 0
	}
}
