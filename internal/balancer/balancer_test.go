package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

type pool struct {
	reg *registry.Registry
	w   *registry.StateWriter
	lb  *Balancer
	ids []domain.InstanceID
}

// newPool registers name with one Running instance per status.
func newPool(t *testing.T, name string, strategy domain.Strategy, statuses []domain.HealthStatus, cfg Config) *pool {
	t.Helper()
	reg := registry.New(registry.Config{})
	w, err := reg.ClaimStateWriter()
	require.NoError(t, err)

	sid, err := reg.Register(domain.ServiceDefinition{
		Name:     name,
		Replicas: len(statuses),
		Strategy: strategy,
		Network:  domain.NetworkSettings{Address: "10.0.0.1:9000"},
	})
	require.NoError(t, err)

	p := &pool{reg: reg, w: w, lb: New(reg, cfg, logger.NewNop(), nil)}
	for ord, st := range statuses {
		inst, err := w.AddInstance(sid, ord)
		require.NoError(t, err)
		_, err = w.UpdateState(inst.ID, domain.StateRunning)
		require.NoError(t, err)
		_, err = reg.RecordHealth(inst.ID, domain.HealthResult{Status: st, Score: 1})
		require.NoError(t, err)
		p.ids = append(p.ids, inst.ID)
	}
	t.Cleanup(p.lb.Close)
	return p
}

func (p *pool) route(t *testing.T, n int, key string) map[domain.InstanceID]int {
	t.Helper()
	hits := make(map[domain.InstanceID]int)
	for i := 0; i < n; i++ {
		resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc", AffinityKey: key})
		require.NoError(t, err)
		hits[resp.Instance]++
		require.NoError(t, p.lb.Report(domain.Outcome{Instance: resp.Instance, Success: true, Latency: time.Millisecond}))
	}
	return hits
}

func TestRoute_NeverReturnsUnhealthy(t *testing.T) {
	statuses := []domain.HealthStatus{domain.HealthHealthy, domain.HealthUnhealthy, domain.HealthHealthy}
	strategies := []domain.Strategy{
		domain.StrategyRoundRobin, domain.StrategyWeightedRoundRobin, domain.StrategyLeastConnections,
		domain.StrategyWeightedLeastConnections, domain.StrategyRandom, domain.StrategyClientHash,
		domain.StrategyConsistentHash, domain.StrategyFastest, domain.StrategyHealthScore,
	}
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(t, "svc", s, statuses, Config{})
			hits := make(map[domain.InstanceID]int)
			for i := 0; i < 100; i++ {
				resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc", AffinityKey: fmt.Sprintf("client-%d", i)})
				require.NoError(t, err)
				hits[resp.Instance]++
				assert.Equal(t, s, resp.Strategy)
				assert.False(t, resp.Degraded)
			}
			assert.Zero(t, hits[p.ids[1]])
		})
	}
}

func TestRoute_RoundRobinAlternates(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthUnhealthy, domain.HealthHealthy}, Config{})

	hits := p.route(t, 100, "")
	assert.Equal(t, 50, hits[p.ids[0]])
	assert.Equal(t, 0, hits[p.ids[1]])
	assert.Equal(t, 50, hits[p.ids[2]])
}

func TestRoute_DegradedFallback(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthDegraded, domain.HealthUnhealthy, domain.HealthUnknown}, Config{})

	resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, p.ids[0], resp.Instance)

	_, err = p.lb.Route(domain.RoutingRequest{Service: "svc", Priority: domain.PriorityLow})
	assert.ErrorIs(t, err, domain.ErrNoHealthyInstance, "low priority never lands on degraded instances")

	_, err = p.reg.RecordHealth(p.ids[0], domain.HealthResult{Status: domain.HealthUnhealthy})
	require.NoError(t, err)
	_, err = p.lb.Route(domain.RoutingRequest{Service: "svc", Priority: domain.PriorityCritical})
	assert.ErrorIs(t, err, domain.ErrNoHealthyInstance)

	_, err = p.lb.Route(domain.RoutingRequest{Service: "ghost"})
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestRoute_DegradedOnlyWhenNoHealthy(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthDegraded, domain.HealthHealthy}, Config{})
	hits := p.route(t, 20, "")
	assert.Equal(t, 20, hits[p.ids[1]])
}

func TestRoute_SkipsInstancesNotRunning(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy}, Config{})
	_, err := p.w.UpdateState(p.ids[0], domain.StateStopping)
	require.NoError(t, err)

	hits := p.route(t, 10, "")
	assert.Equal(t, 10, hits[p.ids[1]])
}

func TestSmoothWeighted(t *testing.T) {
	cands := []candidate{
		{inst: domain.Instance{ID: 1, Weight: 5}, stats: &instanceStats{}},
		{inst: domain.Instance{ID: 2, Weight: 1}, stats: &instanceStats{}},
		{inst: domain.Instance{ID: 3, Weight: 1}, stats: &instanceStats{}},
	}
	st := &serviceState{current: make(map[domain.InstanceID]int)}
	var seq []domain.InstanceID
	for i := 0; i < 7; i++ {
		seq = append(seq, cands[st.smoothWeighted(cands)].inst.ID)
	}
	assert.Equal(t, []domain.InstanceID{1, 1, 2, 1, 3, 1, 1}, seq)
}

func TestRoute_LeastConnections(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyLeastConnections,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy}, Config{})

	first, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	second, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Instance, second.Instance, "an open connection steers the next request away")

	require.NoError(t, p.lb.Report(domain.Outcome{Instance: first.Instance, Success: true}))
	third, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	assert.Equal(t, first.Instance, third.Instance)
	assert.Zero(t, third.EstimatedWait)
}

func TestRoute_Affinity(t *testing.T) {
	for _, s := range []domain.Strategy{domain.StrategyClientHash, domain.StrategyConsistentHash} {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(t, "svc", s, []domain.HealthStatus{
				domain.HealthHealthy, domain.HealthHealthy, domain.HealthHealthy, domain.HealthHealthy,
			}, Config{})
			hits := p.route(t, 20, "user-42")
			assert.Len(t, hits, 1, "one key always lands on one instance")
		})
	}
}

func TestRoute_ConsistentHashMovesFewKeys(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyConsistentHash, []domain.HealthStatus{
		domain.HealthHealthy, domain.HealthHealthy, domain.HealthHealthy, domain.HealthHealthy,
	}, Config{})

	before := make(map[string]domain.InstanceID)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("session-%d", i)
		resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc", AffinityKey: key})
		require.NoError(t, err)
		before[key] = resp.Instance
	}

	gone := p.ids[3]
	_, err := p.reg.RecordHealth(gone, domain.HealthResult{Status: domain.HealthUnhealthy})
	require.NoError(t, err)

	moved := 0
	for key, owner := range before {
		resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc", AffinityKey: key})
		require.NoError(t, err)
		if owner != gone && resp.Instance != owner {
			moved++
		}
	}
	assert.Zero(t, moved, "keys owned by surviving instances stay put")
}

func TestRoute_FastestPrefersLowLatency(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyFastest,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy}, Config{})

	for i, lat := range []time.Duration{50 * time.Millisecond, 5 * time.Millisecond} {
		p.lb.mu.Lock()
		p.lb.statsFor(domain.Instance{ID: p.ids[i], Name: "svc", Ordinal: i}).avgResponse = lat
		p.lb.mu.Unlock()
	}
	hits := p.route(t, 10, "")
	assert.Equal(t, 10, hits[p.ids[1]])
}

func TestBreaker_OpensHalfOpensAndCloses(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy},
		Config{BreakerThreshold: 2, BreakerCooldown: time.Minute})
	now := time.Unix(1000, 0)
	p.lb.now = func() time.Time { return now }

	sub := p.lb.Subscribe("fault")
	bad := p.ids[0]
	for i := 0; i < 2; i++ {
		p.lb.mu.Lock()
		p.lb.statsFor(domain.Instance{ID: bad, Name: "svc"}).active++
		p.lb.mu.Unlock()
		require.NoError(t, p.lb.Report(domain.Outcome{Instance: bad, Success: false}))
	}
	assert.Equal(t, BreakerOpen, p.lb.Breaker(bad))
	assert.Len(t, sub.Drain(), 2, "every routing failure is signalled")

	hits := p.route(t, 10, "")
	assert.Zero(t, hits[bad], "open circuits are skipped even when healthy")

	now = now.Add(time.Minute)
	trial, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	require.Equal(t, bad, trial.Instance, "the cooled-down instance gets its trial")
	assert.Equal(t, BreakerHalfOpen, p.lb.Breaker(bad))

	hits = p.route(t, 4, "")
	assert.Zero(t, hits[bad], "only one trial while half-open")

	require.NoError(t, p.lb.Report(domain.Outcome{Instance: bad, Success: false}))
	assert.Equal(t, BreakerOpen, p.lb.Breaker(bad), "a failed trial re-opens")

	now = now.Add(time.Minute)
	p.lb.ResetBreaker(bad)
	assert.Equal(t, BreakerClosed, p.lb.Breaker(bad))
}

func TestBreaker_LateSuccessKeepsCircuitOpen(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy},
		Config{BreakerThreshold: 1, BreakerCooldown: time.Hour})
	now := time.Unix(1000, 0)
	p.lb.now = func() time.Time { return now }
	iid := p.ids[0]

	for range 2 {
		resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
		require.NoError(t, err)
		require.Equal(t, iid, resp.Instance)
	}
	require.NoError(t, p.lb.Report(domain.Outcome{Instance: iid, Success: false}))
	require.Equal(t, BreakerOpen, p.lb.Breaker(iid))

	require.NoError(t, p.lb.Report(domain.Outcome{Instance: iid, Success: true}))
	assert.Equal(t, BreakerOpen, p.lb.Breaker(iid), "the cooldown is still running")
	_, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	assert.ErrorIs(t, err, domain.ErrNoHealthyInstance)

	now = now.Add(time.Hour)
	_, err = p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	require.NoError(t, p.lb.Report(domain.Outcome{Instance: iid, Success: true}))
	assert.Equal(t, BreakerClosed, p.lb.Breaker(iid), "a successful trial closes")
}

func TestBreaker_UnreportedTrialExpires(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy},
		Config{BreakerThreshold: 1, BreakerCooldown: time.Minute})
	now := time.Unix(1000, 0)
	p.lb.now = func() time.Time { return now }
	iid := p.ids[0]

	_, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	require.NoError(t, p.lb.Report(domain.Outcome{Instance: iid, Success: false}))

	now = now.Add(time.Minute)
	_, err = p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	require.Equal(t, BreakerHalfOpen, p.lb.Breaker(iid))

	now = now.Add(time.Second)
	_, err = p.lb.Route(domain.RoutingRequest{Service: "svc"})
	assert.ErrorIs(t, err, domain.ErrNoHealthyInstance, "the trial is still out")

	now = now.Add(time.Minute)
	resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err, "a lost trial is replaced after another cooldown")
	assert.Equal(t, iid, resp.Instance)
	assert.Equal(t, BreakerHalfOpen, p.lb.Breaker(iid))
}

func TestCandidates_AgeHealthScores(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyHealthScore,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy}, Config{})
	now := time.Now()
	fresh, stale := p.ids[0], p.ids[1]
	_, err := p.reg.RecordHealth(fresh, domain.HealthResult{Status: domain.HealthHealthy, Score: 1, CheckedAt: now})
	require.NoError(t, err)
	_, err = p.reg.RecordHealth(stale, domain.HealthResult{Status: domain.HealthHealthy, Score: 1, CheckedAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	snap, err := p.reg.Lookup("svc")
	require.NoError(t, err)
	p.lb.mu.Lock()
	cands, degraded := p.lb.candidates(snap.Instances, domain.PriorityNormal, now, 10*time.Second)
	p.lb.mu.Unlock()
	require.Len(t, cands, 2)
	assert.False(t, degraded)

	scores := make(map[domain.InstanceID]float64)
	for _, c := range cands {
		scores[c.inst.ID] = c.score
	}
	assert.Equal(t, 1.0, scores[fresh])
	assert.Less(t, scores[stale], 0.81)
}

func TestStatsHistoryAndPrune(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin,
		[]domain.HealthStatus{domain.HealthHealthy, domain.HealthHealthy},
		Config{HistorySize: 3})
	p.route(t, 5, "")

	hist := p.lb.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(5), p.lb.Decisions())
	assert.Len(t, p.lb.History(2), 2)

	stats := p.lb.Stats("svc")
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(3), stats[0].Total)
	assert.Equal(t, uint64(2), stats[1].Total)
	assert.InDelta(t, float64(time.Millisecond), float64(stats[0].AvgResponse), float64(time.Microsecond))
	assert.Equal(t, "closed", stats[0].Breaker)

	require.NoError(t, p.w.RemoveInstance(p.ids[1]))
	assert.Equal(t, 1, p.lb.Prune())
	assert.Len(t, p.lb.Stats(""), 1)
}

func TestFollow_DropsUnregisteredServices(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin, []domain.HealthStatus{domain.HealthHealthy}, Config{})
	q := p.reg.Subscribe("balancer")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.lb.Follow(ctx, q)
	}()

	sid, _ := p.reg.ID("svc")
	require.NoError(t, p.lb.SetStrategy(sid, domain.StrategyRandom))
	p.route(t, 2, "")

	for _, iid := range p.ids {
		require.NoError(t, p.w.RemoveInstance(iid))
	}
	require.NoError(t, p.reg.Unregister(sid))

	assert.Eventually(t, func() bool {
		p.lb.mu.Lock()
		defer p.lb.mu.Unlock()
		_, ok := p.lb.services[sid]
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSetStrategy(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin, []domain.HealthStatus{domain.HealthHealthy}, Config{})
	sid, _ := p.reg.ID("svc")
	require.NoError(t, p.lb.SetStrategy(sid, domain.StrategyRandom))
	resp, err := p.lb.Route(domain.RoutingRequest{Service: "svc"})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyRandom, resp.Strategy)

	assert.ErrorIs(t, p.lb.SetStrategy(sid, domain.Strategy(42)), domain.ErrLoadBalancer)
}

func TestReport_UnknownInstance(t *testing.T) {
	p := newPool(t, "svc", domain.StrategyRoundRobin, []domain.HealthStatus{domain.HealthHealthy}, Config{})
	assert.ErrorIs(t, p.lb.Report(domain.Outcome{Instance: 999}), domain.ErrLoadBalancer)
}
