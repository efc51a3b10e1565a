// Package fault classifies failure signals and drives recovery through the
// lifecycle controller.
//
// A first failure is transient and only recorded. Failures separated by healthy
// results are intermittent and get a reload. Sustained failures, or an instance
// that ended Failed, are persistent: the engine climbs restart, delayed restart
// and failover up to the service's policy action, with backoff before every
// attempt. When the attempts run out the instance is left Failed and the fault
// is reported as terminal.
package fault

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/notify"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

const (
	DefaultMaxConcurrent      = 4
	DefaultCeiling            = 5 * time.Minute
	DefaultMaxAttempts        = 3
	DefaultPersistentAfter    = 2
	DefaultClearAfter         = 3
	DefaultIntermittentWindow = 5 * time.Minute
	DefaultHistorySize        = 256
	DefaultAttemptTimeout     = time.Minute
)

// Recoverer is the slice of the lifecycle controller the engine acts through.
type Recoverer interface {
	RestartInstance(ctx context.Context, iid domain.InstanceID) error
	ReplaceInstance(ctx context.Context, iid domain.InstanceID) (domain.InstanceID, error)
	ScaleUp(ctx context.Context, id domain.ServiceID) (domain.InstanceID, error)
	ScaleDown(ctx context.Context, id domain.ServiceID, victim domain.InstanceID) (domain.InstanceID, error)
	Reload(ctx context.Context, iid domain.InstanceID) error
	RestartWithDependencies(ctx context.Context, iid domain.InstanceID) error
	MarkFailed(ctx context.Context, iid domain.InstanceID, cause error) error
}

// Reporter receives terminal faults. The Redis store implements it.
type Reporter interface {
	ReportFault(ctx context.Context, rec domain.FaultRecord) error
}

// Config tunes the engine.
type Config struct {
	// MaxConcurrent bounds in-flight recovery actions system-wide.
	MaxConcurrent int64
	// Ceiling is the hard upper bound of any backoff delay.
	Ceiling time.Duration
	// PersistentAfter is the number of consecutive failures that makes a fault persistent.
	PersistentAfter int
	// ClearAfter is the number of consecutive healthy results that clears a fault.
	ClearAfter int
	// IntermittentWindow is how long separated failures count towards one fault.
	IntermittentWindow time.Duration
	HistorySize        int
	AttemptTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.PersistentAfter <= 0 {
		c.PersistentAfter = DefaultPersistentAfter
	}
	if c.ClearAfter <= 0 {
		c.ClearAfter = DefaultClearAfter
	}
	if c.IntermittentWindow <= 0 {
		c.IntermittentWindow = DefaultIntermittentWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Stats counts what the engine saw and did.
type Stats struct {
	Signals      uint64 `json:"signals"`
	Transient    uint64 `json:"transient"`
	Intermittent uint64 `json:"intermittent"`
	Persistent   uint64 `json:"persistent"`
	Attempts     uint64 `json:"attempts"`
	Recovered    uint64 `json:"recovered"`
	Failed       uint64 `json:"failed"`
	Terminal     uint64 `json:"terminal"`
	Cleared      uint64 `json:"cleared"`
	Active       int    `json:"active"`
}

type tracker struct {
	rec         domain.FaultRecord
	ordinal     int
	consecutive int
	healthy     int
	sinceLast   int
	recovering  bool
}

// Engine owns every open FaultRecord.
type Engine struct {
	reg      *registry.Registry
	ctrl     Recoverer
	reporter Reporter
	cfg      Config
	log      logger.Logger
	met      *metrics.Metrics
	sem      *semaphore.Weighted
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[domain.InstanceID]*tracker
	history  []domain.FaultRecord
	stats    Stats
}

func New(
	reg *registry.Registry,
	ctrl Recoverer,
	cfg Config,
	log logger.Logger,
	met *metrics.Metrics,
) *Engine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:      reg,
		ctrl:     ctrl,
		cfg:      cfg,
		log:      log.Named("fault"),
		met:      met,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		sleep:    sleepCtx,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[domain.InstanceID]*tracker),
	}
}

// SetReporter installs the terminal fault reporter.
func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

// Close stops every recovery worker and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Run feeds the engine from the monitor, controller and balancer queues until
// ctx is done. Any queue may be nil.
func (e *Engine) Run(
	ctx context.Context,
	health *notify.Queue[domain.HealthEvent],
	transitions *notify.Queue[domain.TransitionEvent],
	routing *notify.Queue[domain.FailureSignal],
) {
	var wg sync.WaitGroup
	if health != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, ok := health.Next(ctx)
				if !ok {
					return
				}
				e.ObserveHealth(ev)
			}
		}()
	}
	if transitions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, ok := transitions.Next(ctx)
				if !ok {
					return
				}
				if !ev.Failed() {
					continue
				}
				msg := "transition to failed"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				e.Observe(domain.FailureSignal{
					Service:  ev.Service,
					Name:     ev.Name,
					Instance: ev.Instance,
					Source:   domain.SourceTransition,
					Message:  msg,
					At:       ev.At,
				})
			}
		}()
	}
	if routing != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				sig, ok := routing.Next(ctx)
				if !ok {
					return
				}
				e.Observe(sig)
			}
		}()
	}
	wg.Wait()
}

// ObserveHealth turns a probe result into a failure signal or a healthy tick.
func (e *Engine) ObserveHealth(ev domain.HealthEvent) {
	if ev.Result.Status == domain.HealthUnhealthy {
		e.Observe(domain.FailureSignal{
			Service:  ev.Service,
			Name:     ev.Name,
			Instance: ev.Instance,
			Source:   domain.SourceProbe,
			Message:  ev.Result.Message,
			At:       ev.Result.CheckedAt,
		})
		return
	}
	if ev.Result.Status.Routable() {
		e.healthy(ev.Instance)
	}
}

// Observe classifies one failure signal and starts recovery when warranted.
func (e *Engine) Observe(sig domain.FailureSignal) {
	now := e.now()
	if sig.At.IsZero() {
		sig.At = now
	}

	e.mu.Lock()
	e.stats.Signals++
	t, ok := e.trackers[sig.Instance]
	if !ok {
		t = e.replacing(sig.Instance)
	}
	if t == nil {
		t = &tracker{ordinal: -1, rec: domain.FaultRecord{
			ID:        uuid.NewString(),
			Service:   sig.Service,
			Name:      sig.Name,
			Instance:  sig.Instance,
			Source:    sig.Source,
			FirstSeen: sig.At,
		}}
		if inst, err := e.reg.Instance(sig.Instance); err == nil {
			t.ordinal = inst.Ordinal
		}
		e.trackers[sig.Instance] = t
	}
	if t.rec.Terminal {
		e.mu.Unlock()
		return
	}
	if !t.rec.FirstSeen.IsZero() && sig.At.Sub(t.rec.FirstSeen) > e.cfg.IntermittentWindow && t.consecutive == 0 {
		// An old, quiet fault starts over.
		t.rec.Occurrences = 0
		t.rec.FirstSeen = sig.At
	}
	t.rec.Occurrences++
	t.rec.LastSeen = sig.At
	t.rec.Source = sig.Source
	t.rec.Message = sig.Message
	t.consecutive++
	t.healthy = 0
	t.sinceLast++

	t.rec.Pattern = e.classify(t, sig)
	t.rec.Severity = severityOf(t.rec.Pattern, sig.Source)
	switch t.rec.Pattern {
	case domain.PatternPersistent:
		e.stats.Persistent++
	case domain.PatternIntermittent:
		e.stats.Intermittent++
	default:
		e.stats.Transient++
	}
	rec := t.rec
	start := t.rec.Pattern != domain.PatternTransient && !t.recovering
	if start {
		t.recovering = true
	}
	e.met.SetActiveFaults(len(e.trackers))
	e.mu.Unlock()

	e.log.Debug("failure observed",
		logger.String("service", rec.Name),
		logger.Uint64("instance", uint64(rec.Instance)),
		logger.Stringer("source", sig.Source),
		logger.Stringer("pattern", rec.Pattern),
		logger.Int("occurrences", rec.Occurrences))

	if !start {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recover(sig.Instance, rec.Pattern)
	}()
}

// replacing returns the tracker of a recovery in flight for another instance at
// the same ordinal. A failover replacement reports its own failures before the
// recovery re-keys the tracker onto it. Caller holds e.mu.
func (e *Engine) replacing(iid domain.InstanceID) *tracker {
	inst, err := e.reg.Instance(iid)
	if err != nil {
		return nil
	}
	for other, t := range e.trackers {
		if other != iid && t.recovering && t.rec.Service == inst.Service && t.ordinal == inst.Ordinal {
			return t
		}
	}
	return nil
}

// classify decides the pattern of a tracker that just saw sig. Caller holds e.mu.
func (e *Engine) classify(t *tracker, sig domain.FailureSignal) domain.Pattern {
	if sig.Source == domain.SourceTransition || t.consecutive >= e.cfg.PersistentAfter {
		return domain.PatternPersistent
	}
	if inst, err := e.reg.Instance(sig.Instance); err == nil && inst.State == domain.StateFailed {
		return domain.PatternPersistent
	}
	if t.rec.Occurrences >= 2 {
		return domain.PatternIntermittent
	}
	return domain.PatternTransient
}

func severityOf(p domain.Pattern, src domain.FailureSource) domain.Severity {
	switch p {
	case domain.PatternPersistent:
		return domain.SeverityCritical
	case domain.PatternIntermittent:
		return domain.SeverityError
	}
	if src == domain.SourceRouting {
		return domain.SeverityInfo
	}
	return domain.SeverityWarning
}

// healthy counts a routable result. Enough of them in a row clear the fault.
func (e *Engine) healthy(iid domain.InstanceID) {
	e.mu.Lock()
	t, ok := e.trackers[iid]
	if !ok || t.rec.Terminal {
		e.mu.Unlock()
		return
	}
	t.consecutive = 0
	t.healthy++
	if t.healthy < e.cfg.ClearAfter || t.recovering {
		e.mu.Unlock()
		return
	}
	rec := t.rec
	delete(e.trackers, iid)
	e.archive(rec)
	e.stats.Cleared++
	e.met.SetActiveFaults(len(e.trackers))
	e.mu.Unlock()

	e.log.Info("fault cleared",
		logger.String("service", rec.Name),
		logger.Uint64("instance", uint64(iid)),
		logger.Int("attempts", rec.Attempts))
}

// Records returns every open fault, oldest first.
func (e *Engine) Records() []domain.FaultRecord {
	e.mu.Lock()
	out := make([]domain.FaultRecord, 0, len(e.trackers))
	for _, t := range e.trackers {
		out = append(out, cloneRecord(t.rec))
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.FaultRecord) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Instance, b.Instance)
	})
	return out
}

// Record returns the open fault of an instance.
func (e *Engine) Record(iid domain.InstanceID) (domain.FaultRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[iid]
	if !ok {
		return domain.FaultRecord{}, false
	}
	return cloneRecord(t.rec), true
}

// History returns closed and terminal faults, oldest first.
func (e *Engine) History() []domain.FaultRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.FaultRecord, len(e.history))
	for i, r := range e.history {
		out[i] = cloneRecord(r)
	}
	return out
}

// Reset forgets the fault of an instance, terminal or not, re-arming recovery.
func (e *Engine) Reset(iid domain.InstanceID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[iid]
	if !ok || t.recovering {
		return false
	}
	delete(e.trackers, iid)
	e.met.SetActiveFaults(len(e.trackers))
	return true
}

// Prune drops faults of instances that no longer exist.
func (e *Engine) Prune() int {
	live := make(map[domain.InstanceID]bool)
	for _, iid := range e.reg.InstanceIDs() {
		live[iid] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for iid, t := range e.trackers {
		if live[iid] || t.recovering {
			continue
		}
		delete(e.trackers, iid)
		e.archive(t.rec)
		n++
	}
	e.met.SetActiveFaults(len(e.trackers))
	return n
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Active = len(e.trackers)
	return s
}

// archive appends to the bounded history. Caller holds e.mu.
func (e *Engine) archive(rec domain.FaultRecord) {
	e.history = append(e.history, cloneRecord(rec))
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
}

func cloneRecord(r domain.FaultRecord) domain.FaultRecord {
	r.Delays = slices.Clone(r.Delays)
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
