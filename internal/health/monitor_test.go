package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

type fakeLiveness map[domain.Handle]bool

func (f fakeLiveness) Alive(_ context.Context, h domain.Handle) (bool, error) {
	return f[h], nil
}

type limitedLiveness struct {
	fakeLiveness
	breach error
}

func (l *limitedLiveness) CheckLimits(context.Context, domain.Handle) error { return l.breach }

// running registers def and brings one instance to Running with handle 1.
func running(t *testing.T, reg *registry.Registry, w *registry.StateWriter, def domain.ServiceDefinition) domain.InstanceID {
	t.Helper()
	id, err := reg.Register(def)
	require.NoError(t, err)
	inst, err := w.AddInstance(id, 0)
	require.NoError(t, err)
	require.NoError(t, w.SetHandle(inst.ID, 1, time.Now()))
	_, err = w.UpdateState(inst.ID, domain.StateRunning)
	require.NoError(t, err)
	return inst.ID
}

func setup(t *testing.T, live LivenessQuerier) (*Monitor, *registry.Registry, *registry.StateWriter) {
	t.Helper()
	reg := registry.New(registry.Config{})
	w, err := reg.ClaimStateWriter()
	require.NoError(t, err)
	m := New(reg, live, Config{}, logger.NewNop(), nil)
	t.Cleanup(m.Close)
	return m, reg, w
}

func commandDef(name string, retries int) domain.ServiceDefinition {
	return domain.ServiceDefinition{
		Name: name,
		HealthCheck: domain.HealthCheckConfig{
			Kind:       domain.CheckCommand,
			Target:     name,
			Timeout:    50 * time.Millisecond,
			Interval:   time.Second,
			MaxRetries: retries,
		},
	}
}

func TestCycle_RetriesFailuresButNotRecovery(t *testing.T) {
	m, reg, w := setup(t, nil)
	iid := running(t, reg, w, commandDef("svc", 2))

	var calls atomic.Int32
	m.RegisterCommand("svc", func(context.Context, domain.Instance) error {
		if calls.Add(1) <= 6 {
			return errors.New("connection refused")
		}
		return nil
	})

	q := m.Subscribe("test")
	ctx := context.Background()
	var statuses []domain.HealthStatus
	var attempts []int
	for i := 0; i < 3; i++ {
		res, err := m.CheckNow(ctx, iid)
		require.NoError(t, err)
		statuses = append(statuses, res.Status)
		attempts = append(attempts, res.Attempts)
	}

	assert.Equal(t, []domain.HealthStatus{domain.HealthUnhealthy, domain.HealthUnhealthy, domain.HealthHealthy}, statuses)
	assert.Equal(t, []int{3, 3, 1}, attempts, "failures use every retry, recovery needs one success")
	assert.Equal(t, int32(7), calls.Load())

	hist, err := reg.HealthHistory(iid)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, domain.HealthHealthy, hist[2].Status)

	events := q.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, domain.HealthUnknown, events[0].Previous)
	assert.True(t, events[2].Changed())
	assert.Equal(t, uint64(3), m.Probes())
}

func TestCycle_TimeoutCountsAsFailure(t *testing.T) {
	m, reg, w := setup(t, nil)
	iid := running(t, reg, w, commandDef("hang", 0))
	m.RegisterCommand("hang", func(ctx context.Context, _ domain.Instance) error {
		<-ctx.Done()
		return ctx.Err()
	})

	began := time.Now()
	res, err := m.CheckNow(context.Background(), iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Contains(t, res.Message, "timed out")
	assert.Less(t, time.Since(began), time.Second)
	assert.Zero(t, res.Score)
}

func TestCycle_DegradedBands(t *testing.T) {
	m, reg, w := setup(t, nil)

	slow := commandDef("slow", 0)
	slow.HealthCheck.DegradedLatency = 5 * time.Millisecond
	slowID := running(t, reg, w, slow)
	m.RegisterCommand("slow", func(context.Context, domain.Instance) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	res, err := m.CheckNow(context.Background(), slowID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, res.Status)
	assert.Greater(t, res.Score, 0.0)

	impairedID := running(t, reg, w, commandDef("impaired", 0))
	m.RegisterCommand("impaired", func(context.Context, domain.Instance) error { return nil })
	inst, _ := reg.Instance(impairedID)
	m.SetImpaired(func(id domain.ServiceID) bool { return id == inst.Service })

	res, err = m.CheckNow(context.Background(), impairedID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, res.Status)
}

func TestCycle_HTTPAndTCP(t *testing.T) {
	m, reg, w := setup(t, nil)

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	httpID := running(t, reg, w, domain.ServiceDefinition{
		Name:        "web",
		Network:     domain.NetworkSettings{Address: srv.Listener.Addr().String()},
		HealthCheck: domain.HealthCheckConfig{Kind: domain.CheckHTTP, Target: "http://{address}/healthz"},
	})
	res, err := m.CheckNow(context.Background(), httpID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, res.Status)

	fail.Store(true)
	res, err = m.CheckNow(context.Background(), httpID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Contains(t, res.Message, "503")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	tcpID := running(t, reg, w, domain.ServiceDefinition{
		Name:        "db",
		Network:     domain.NetworkSettings{Address: addr},
		HealthCheck: domain.HealthCheckConfig{Kind: domain.CheckTCP, Target: "{address}", Timeout: 200 * time.Millisecond},
	})
	res, err = m.CheckNow(context.Background(), tcpID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, res.Status)

	require.NoError(t, ln.Close())
	res, err = m.CheckNow(context.Background(), tcpID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
}

func TestCycle_Liveness(t *testing.T) {
	live := fakeLiveness{1: true}
	m, reg, w := setup(t, live)
	iid := running(t, reg, w, domain.ServiceDefinition{Name: "daemon"})

	res, err := m.CheckNow(context.Background(), iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, res.Status)

	live[1] = false
	res, err = m.CheckNow(context.Background(), iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
}

func TestCycle_LimitBreachIsUnhealthy(t *testing.T) {
	live := &limitedLiveness{fakeLiveness: fakeLiveness{1: true}}
	m, reg, w := setup(t, live)
	iid := running(t, reg, w, domain.ServiceDefinition{Name: "daemon"})

	res, err := m.CheckNow(context.Background(), iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, res.Status)

	live.breach = fmt.Errorf("%w: daemon uses 300 bytes, limit 200", domain.ErrResourceExhausted)
	res, err = m.CheckNow(context.Background(), iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Contains(t, res.Message, "limit 200")
}

func TestCycle_SkipsInstancesThatAreNotRunning(t *testing.T) {
	m, reg, w := setup(t, nil)
	iid := running(t, reg, w, domain.ServiceDefinition{Name: "daemon"})
	_, err := w.UpdateState(iid, domain.StateStopping)
	require.NoError(t, err)

	_, err = m.CheckNow(context.Background(), iid)
	assert.ErrorIs(t, err, domain.ErrHealthCheckFailed)
	assert.Equal(t, uint64(0), m.Probes())
}

func TestCycle_DropsResultOfRestartedInstance(t *testing.T) {
	m, reg, w := setup(t, nil)
	iid := running(t, reg, w, commandDef("svc", 0))
	m.RegisterCommand("svc", func(context.Context, domain.Instance) error {
		// The unit is replaced while the check is in flight.
		return w.SetHandle(iid, 2, time.Now())
	})

	_, err := m.CheckNow(context.Background(), iid)
	assert.ErrorIs(t, err, domain.ErrHealthCheckFailed)

	inst, err := reg.Instance(iid)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnknown, inst.Health.Status)
	hist, err := reg.HealthHistory(iid)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Zero(t, m.Probes())
}

func TestService_AgesScores(t *testing.T) {
	m, reg, w := setup(t, nil)
	iid := running(t, reg, w, domain.ServiceDefinition{Name: "daemon", HealthCheck: domain.HealthCheckConfig{Interval: 10 * time.Second}})
	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := reg.RecordHealth(iid, domain.HealthResult{Status: domain.HealthHealthy, Score: 1, CheckedAt: now.Add(-20 * time.Second)})
	require.NoError(t, err)

	inst, err := reg.Instance(iid)
	require.NoError(t, err)
	agg, err := m.Service(inst.Service)
	require.NoError(t, err)
	assert.Equal(t, 0.9, agg.Score)
	assert.Equal(t, 1.0, agg.Instances[iid].Score, "instance results are reported as recorded")
}

func TestService_Aggregate(t *testing.T) {
	m, reg, w := setup(t, nil)
	d := commandDef("api", 0)
	id, err := reg.Register(d)
	require.NoError(t, err)
	m.RegisterCommand("api", func(_ context.Context, inst domain.Instance) error {
		if inst.Ordinal == 1 {
			return errors.New("down")
		}
		return nil
	})
	for ord := 0; ord < 2; ord++ {
		inst, err := w.AddInstance(id, ord)
		require.NoError(t, err)
		_, err = w.UpdateState(inst.ID, domain.StateRunning)
		require.NoError(t, err)
		_, err = m.CheckNow(context.Background(), inst.ID)
		require.NoError(t, err)
	}

	agg, err := m.Service(id)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, agg.Status)
	assert.Len(t, agg.Instances, 2)
	assert.Greater(t, agg.Score, 0.0)
}

func TestRun_WatchesRunningInstances(t *testing.T) {
	m, reg, w := setup(t, fakeLiveness{1: true})
	m.interval = 10 * time.Millisecond
	iid := running(t, reg, w, domain.ServiceDefinition{Name: "daemon"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		inst, _ := reg.Instance(iid)
		return inst.Health.Status == domain.HealthHealthy
	}, time.Second, 5*time.Millisecond)

	_, err := w.UpdateState(iid, domain.StateStopped)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.watches) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
