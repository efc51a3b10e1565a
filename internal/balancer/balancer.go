// Package balancer routes logical requests to one concrete instance.
//
// Candidates are Running instances whose last health result is Healthy. Degraded
// instances are used only when no Healthy instance is available, and never for
// Low priority requests. Unhealthy and Unknown instances are never returned.
// Each instance sits behind a circuit breaker fed by reported outcomes.
package balancer

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/metrics"
	"github.com/MrSnakeDoc/keel/internal/notify"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

const (
	DefaultHistorySize = 1000

	// ewmaAlpha weights the newest latency sample.
	ewmaAlpha = 0.2
)

// Config tunes the balancer.
type Config struct {
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Decision is one routing choice kept for inspection.
type Decision struct {
	At        time.Time         `json:"at"`
	Service   string            `json:"service"`
	Instance  domain.InstanceID `json:"instance_id"`
	Strategy  domain.Strategy   `json:"strategy"`
	Priority  domain.Priority   `json:"priority"`
	Degraded  bool              `json:"degraded"`
	LoadScore float64           `json:"load_score"`
}

// InstanceLoad is the routing view of one instance.
type InstanceLoad struct {
	Instance    domain.InstanceID `json:"instance_id"`
	Service     string            `json:"service"`
	Active      int64             `json:"active"`
	Total       uint64            `json:"total"`
	Succeeded   uint64            `json:"succeeded"`
	Failed      uint64            `json:"failed"`
	AvgResponse time.Duration     `json:"avg_response"`
	LoadScore   float64           `json:"load_score"`
	Breaker     string            `json:"breaker"`
}

type instanceStats struct {
	service     string
	ordinal     int
	active      int64
	total       uint64
	succeeded   uint64
	failed      uint64
	avgResponse time.Duration
	breaker     *breaker
}

type serviceState struct {
	strategy *domain.Strategy
	next     uint64
	current  map[domain.InstanceID]int
	ring     *hashRing
}

// Balancer holds per-service strategy state and per-instance load statistics.
type Balancer struct {
	reg      *registry.Registry
	cfg      Config
	log      logger.Logger
	met      *metrics.Metrics
	failures *notify.Hub[domain.FailureSignal]
	now      func() time.Time

	mu        sync.Mutex
	services  map[domain.ServiceID]*serviceState
	stats     map[domain.InstanceID]*instanceStats
	history   []Decision
	head      int
	decisions uint64
}

func New(reg *registry.Registry, cfg Config, log logger.Logger, met *metrics.Metrics) *Balancer {
	cfg = cfg.withDefaults()
	failures := notify.NewHub[domain.FailureSignal](0)
	failures.OnDrop(met.DroppedEvent)
	return &Balancer{
		reg:      reg,
		cfg:      cfg,
		log:      log.Named("balancer"),
		met:      met,
		failures: failures,
		now:      time.Now,
		services: make(map[domain.ServiceID]*serviceState),
		stats:    make(map[domain.InstanceID]*instanceStats),
		history:  make([]Decision, 0, cfg.HistorySize),
	}
}

// Subscribe returns a queue of routing-observed failures.
func (b *Balancer) Subscribe(name string) *notify.Queue[domain.FailureSignal] {
	return b.failures.Subscribe(name)
}

// Unsubscribe detaches a queue returned by Subscribe.
func (b *Balancer) Unsubscribe(q *notify.Queue[domain.FailureSignal]) {
	b.failures.Unsubscribe(q)
}

// Close closes every subscription.
func (b *Balancer) Close() {
	b.failures.Close()
}

// SetStrategy overrides the strategy declared by the service definition.
func (b *Balancer) SetStrategy(id domain.ServiceID, s domain.Strategy) error {
	if _, err := b.reg.Get(id); err != nil {
		return err
	}
	if s < domain.StrategyRoundRobin || s > domain.StrategyHealthScore {
		return fmt.Errorf("%w: unknown strategy %d", domain.ErrLoadBalancer, s)
	}
	b.mu.Lock()
	b.state(id).strategy = &s
	b.mu.Unlock()
	return nil
}

// Route selects one instance of req.Service.
func (b *Balancer) Route(req domain.RoutingRequest) (domain.RoutingResponse, error) {
	snap, err := b.reg.Lookup(req.Service)
	if err != nil {
		return domain.RoutingResponse{}, err
	}
	insts := slices.Clone(snap.Instances)
	slices.SortFunc(insts, func(a, c domain.Instance) int { return a.Ordinal - c.Ordinal })

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cands, degraded := b.candidates(insts, req.Priority, now, snap.Definition.HealthCheck.EffectiveInterval())
	st := b.state(snap.ID)
	strategy := snap.Definition.Strategy
	if st.strategy != nil {
		strategy = *st.strategy
	}

	if len(cands) == 0 {
		b.met.ObserveRoute(req.Service, strategy.String(), "no_instance")
		return domain.RoutingResponse{}, fmt.Errorf("%w: %s", domain.ErrNoHealthyInstance, req.Service)
	}

	i := b.pick(st, strategy, cands, req.AffinityKey)
	if i < 0 || i >= len(cands) {
		return domain.RoutingResponse{}, fmt.Errorf("%w: strategy %s picked %d of %d", domain.ErrLoadBalancer, strategy, i, len(cands))
	}
	c := cands[i]
	c.stats.breaker.acquire(now)
	c.stats.active++
	b.met.ObserveBreaker(c.inst.Name, strconv.Itoa(c.inst.Ordinal), int(c.stats.breaker.state))

	resp := domain.RoutingResponse{
		Instance:      c.inst.ID,
		Service:       snap.ID,
		Ordinal:       c.inst.Ordinal,
		Address:       c.inst.Address,
		Strategy:      strategy,
		LoadScore:     domain.LoadScore(c.stats.active, c.stats.avgResponse),
		EstimatedWait: domain.EstimatedWait(c.stats.active - 1),
		Degraded:      degraded,
	}
	b.remember(Decision{
		At:        now,
		Service:   req.Service,
		Instance:  resp.Instance,
		Strategy:  strategy,
		Priority:  req.Priority,
		Degraded:  degraded,
		LoadScore: resp.LoadScore,
	})
	result := "healthy"
	if degraded {
		result = "degraded"
	}
	b.met.ObserveRoute(req.Service, strategy.String(), result)
	return resp, nil
}

// candidates filters insts to the routable pool. Caller holds b.mu.
func (b *Balancer) candidates(insts []domain.Instance, prio domain.Priority, now time.Time, interval time.Duration) ([]candidate, bool) {
	var healthy, degraded []candidate
	for _, inst := range insts {
		if inst.State != domain.StateRunning {
			continue
		}
		s := b.statsFor(inst)
		if !s.breaker.available(now) {
			continue
		}
		h := inst.Health
		c := candidate{inst: inst, stats: s, score: domain.AgedScore(h.Score, h.Status, now.Sub(h.CheckedAt), interval)}
		switch h.Status {
		case domain.HealthHealthy:
			healthy = append(healthy, c)
		case domain.HealthDegraded:
			degraded = append(degraded, c)
		}
	}
	if len(healthy) > 0 {
		return healthy, false
	}
	if prio == domain.PriorityLow {
		return nil, false
	}
	return degraded, len(degraded) > 0
}

// Report feeds the outcome of a routed request back into load statistics and
// the instance's circuit breaker. Failures are published to subscribers.
func (b *Balancer) Report(out domain.Outcome) error {
	b.mu.Lock()
	s, ok := b.stats[out.Instance]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: instance %d was never routed to", domain.ErrLoadBalancer, out.Instance)
	}
	if s.active > 0 {
		s.active--
	}
	s.total++
	if out.Latency > 0 {
		if s.avgResponse == 0 {
			s.avgResponse = out.Latency
		} else {
			s.avgResponse = time.Duration(ewmaAlpha*float64(out.Latency) + (1-ewmaAlpha)*float64(s.avgResponse))
		}
	}
	now := b.now()
	opened := false
	if out.Success {
		s.succeeded++
		s.breaker.success()
	} else {
		s.failed++
		opened = s.breaker.failure(now)
	}
	service, ordinal, state := s.service, s.ordinal, s.breaker.state
	b.mu.Unlock()

	b.met.ObserveBreaker(service, strconv.Itoa(ordinal), int(state))
	if out.Success {
		return nil
	}
	if opened {
		b.log.Warn("circuit opened",
			logger.String("service", service),
			logger.Int("ordinal", ordinal),
			logger.Duration("cooldown", b.cfg.BreakerCooldown))
	}

	var sid domain.ServiceID
	if inst, err := b.reg.Instance(out.Instance); err == nil {
		sid = inst.Service
	}
	b.failures.Publish(domain.FailureSignal{
		Service:  sid,
		Name:     service,
		Instance: out.Instance,
		Source:   domain.SourceRouting,
		Message:  "routed request failed",
		At:       now,
	})
	return nil
}

// ResetBreaker closes the circuit of an instance.
func (b *Balancer) ResetBreaker(iid domain.InstanceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stats[iid]; ok {
		s.breaker.reset()
	}
}

// Breaker returns the circuit state of an instance.
func (b *Balancer) Breaker(iid domain.InstanceID) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stats[iid]; ok {
		return s.breaker.state
	}
	return BreakerClosed
}

// Stats returns the load of every instance of a service, or of all instances
// when name is empty.
func (b *Balancer) Stats(name string) []InstanceLoad {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InstanceLoad, 0, len(b.stats))
	for iid, s := range b.stats {
		if name != "" && s.service != name {
			continue
		}
		out = append(out, InstanceLoad{
			Instance:    iid,
			Service:     s.service,
			Active:      s.active,
			Total:       s.total,
			Succeeded:   s.succeeded,
			Failed:      s.failed,
			AvgResponse: s.avgResponse,
			LoadScore:   domain.LoadScore(s.active, s.avgResponse),
			Breaker:     s.breaker.state.String(),
		})
	}
	slices.SortFunc(out, func(a, c InstanceLoad) int { return cmp.Compare(a.Instance, c.Instance) })
	return out
}

// History returns up to n recent decisions, oldest first.
func (b *Balancer) History(n int) []Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	ordered := make([]Decision, 0, len(b.history))
	if len(b.history) < b.cfg.HistorySize {
		ordered = append(ordered, b.history...)
	} else {
		ordered = append(ordered, b.history[b.head:]...)
		ordered = append(ordered, b.history[:b.head]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Decisions returns the number of routing decisions made.
func (b *Balancer) Decisions() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decisions
}

// Prune drops statistics of instances and services that no longer exist.
func (b *Balancer) Prune() int {
	live := make(map[domain.InstanceID]bool)
	for _, iid := range b.reg.InstanceIDs() {
		live[iid] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for iid, s := range b.stats {
		if !live[iid] {
			delete(b.stats, iid)
			b.met.ForgetInstance(s.service, strconv.Itoa(s.ordinal))
			n++
		}
	}
	for sid, st := range b.services {
		if _, err := b.reg.Get(sid); err != nil {
			delete(b.services, sid)
			continue
		}
		for iid := range st.current {
			if !live[iid] {
				delete(st.current, iid)
			}
		}
	}
	return n
}

// Follow drops the routing state of services as the registry removes them,
// until ctx is done or q is closed.
func (b *Balancer) Follow(ctx context.Context, q *notify.Queue[domain.RegistryEvent]) {
	for {
		ev, ok := q.Next(ctx)
		if !ok {
			return
		}
		if ev.Change != domain.ServiceUnregistered {
			continue
		}
		b.mu.Lock()
		delete(b.services, ev.Service)
		b.mu.Unlock()
		b.log.Debug("routing state dropped", logger.String("service", ev.Name))
	}
}

func (b *Balancer) remember(d Decision) {
	b.decisions++
	if len(b.history) < b.cfg.HistorySize {
		b.history = append(b.history, d)
		return
	}
	b.history[b.head] = d
	b.head = (b.head + 1) % b.cfg.HistorySize
}

func (b *Balancer) state(id domain.ServiceID) *serviceState {
	st, ok := b.services[id]
	if !ok {
		st = &serviceState{current: make(map[domain.InstanceID]int)}
		b.services[id] = st
	}
	return st
}

func (b *Balancer) statsFor(inst domain.Instance) *instanceStats {
	s, ok := b.stats[inst.ID]
	if !ok {
		s = &instanceStats{
			service: inst.Name,
			ordinal: inst.Ordinal,
			breaker: newBreaker(b.cfg.BreakerThreshold, b.cfg.BreakerCooldown),
		}
		b.stats[inst.ID] = s
	}
	return s
}
