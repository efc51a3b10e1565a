// Package metrics exposes orchestration counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "keel"

// Metrics holds every collector of the orchestration core.
type Metrics struct {
	registry *prometheus.Registry

	InstanceState   *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	Probes          *prometheus.CounterVec
	ProbeLatency    *prometheus.HistogramVec
	HealthScore     *prometheus.GaugeVec
	Routes          *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	RecoveryActions *prometheus.CounterVec
	RecoveryDelay   *prometheus.HistogramVec
	FaultsActive    prometheus.Gauge
	FaultsTerminal  prometheus.Counter
	EventsDropped   *prometheus.CounterVec
}

// New creates collectors on a private registry with Go and process collectors attached.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		InstanceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "instance_state",
			Help:      "Instance state (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service", "ordinal"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by target state",
		}, []string{"service", "to"}),

		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Completed probe cycles by outcome",
		}, []string{"service", "status"}),

		ProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Probe cycle duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "kind"}),

		HealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "score",
			Help:      "Last health score per instance",
		}, []string{"service", "ordinal"}),

		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "routes_total",
			Help:      "Routing decisions by strategy and result",
		}, []string{"service", "strategy", "result"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"service", "ordinal"}),

		RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "recovery_actions_total",
			Help:      "Recovery actions by kind and result",
		}, []string{"service", "action", "result"}),

		RecoveryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "recovery_delay_seconds",
			Help:      "Backoff delay applied before recovery attempts",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"service"}),

		FaultsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "records_active",
			Help:      "Fault records currently tracked",
		}),

		FaultsTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fault",
			Name:      "terminal_total",
			Help:      "Faults that exhausted their recovery attempts",
		}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notifications dropped because a subscriber queue was full",
		}, []string{"subscriber"}),
	}

	m.registry.MustRegister(
		m.InstanceState, m.Transitions,
		m.Probes, m.ProbeLatency, m.HealthScore,
		m.Routes, m.BreakerState,
		m.RecoveryActions, m.RecoveryDelay, m.FaultsActive, m.FaultsTerminal,
		m.EventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(service, ordinal, to string, state int) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(service, to).Inc()
	m.InstanceState.WithLabelValues(service, ordinal).Set(float64(state))
}

func (m *Metrics) ForgetInstance(service, ordinal string) {
	if m == nil {
		return
	}
	m.InstanceState.DeleteLabelValues(service, ordinal)
	m.HealthScore.DeleteLabelValues(service, ordinal)
	m.BreakerState.DeleteLabelValues(service, ordinal)
}

func (m *Metrics) ObserveProbe(service, ordinal, kind, status string, score float64, took time.Duration) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(service, status).Inc()
	m.ProbeLatency.WithLabelValues(service, kind).Observe(took.Seconds())
	m.HealthScore.WithLabelValues(service, ordinal).Set(score)
}

func (m *Metrics) ObserveRoute(service, strategy, result string) {
	if m == nil {
		return
	}
	m.Routes.WithLabelValues(service, strategy, result).Inc()
}

func (m *Metrics) ObserveBreaker(service, ordinal string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service, ordinal).Set(float64(state))
}

func (m *Metrics) ObserveRecovery(service, action, result string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RecoveryActions.WithLabelValues(service, action, result).Inc()
	m.RecoveryDelay.WithLabelValues(service).Observe(delay.Seconds())
}

func (m *Metrics) SetActiveFaults(n int) {
	if m == nil {
		return
	}
	m.FaultsActive.Set(float64(n))
}

func (m *Metrics) TerminalFault() {
	if m == nil {
		return
	}
	m.FaultsTerminal.Inc()
}

func (m *Metrics) DroppedEvent(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(subscriber).Inc()
}
