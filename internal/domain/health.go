package domain

import "time"

// CheckKind is the probe kind of a health check.
type CheckKind int

const (
	// CheckLiveness asks the scheduler whether the unit is alive. It is the default.
	CheckLiveness CheckKind = iota
	// CheckHTTP issues a GET against Target and expects a 2xx or 3xx answer.
	CheckHTTP
	// CheckTCP dials Target.
	CheckTCP
	// CheckCommand runs a registered custom command named by Target.
	CheckCommand
)

var checkKindNames = []string{"liveness", "http", "tcp", "command"}

func (k CheckKind) String() string               { return enumName(checkKindNames, int(k)) }
func (k CheckKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
func (k *CheckKind) UnmarshalText(b []byte) error {
	return parseEnum("check kind", checkKindNames, b, k)
}

const (
	DefaultCheckInterval = 10 * time.Second
	DefaultCheckTimeout  = 2 * time.Second
)

// HealthCheckConfig declares how an instance is probed.
type HealthCheckConfig struct {
	Kind     CheckKind     `json:"kind"`
	Target   string        `json:"target,omitempty"`
	Interval time.Duration `json:"interval" validate:"gte=0"`
	Timeout  time.Duration `json:"timeout" validate:"gte=0"`
	// MaxRetries is the number of extra attempts inside one cycle before Unhealthy is recorded.
	MaxRetries int `json:"max_retries" validate:"gte=0,lte=100"`
	// DegradedLatency marks a successful probe slower than this as Degraded. Zero disables it.
	DegradedLatency time.Duration `json:"degraded_latency,omitempty" validate:"gte=0"`
}

// EffectiveInterval returns Interval or its default.
func (c HealthCheckConfig) EffectiveInterval() time.Duration {
	if c.Interval <= 0 {
		return DefaultCheckInterval
	}
	return c.Interval
}

// EffectiveTimeout returns Timeout or its default.
func (c HealthCheckConfig) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultCheckTimeout
	}
	return c.Timeout
}

// HealthResult is the outcome of one probe cycle.
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Score     float64       `json:"score"`
	Latency   time.Duration `json:"latency"`
	Attempts  int           `json:"attempts"`
	CheckedAt time.Time     `json:"checked_at"`
	Message   string        `json:"message,omitempty"`
}

// ServiceHealth aggregates the health of every instance of a service.
type ServiceHealth struct {
	Service   ServiceID                   `json:"service_id"`
	Name      string                      `json:"service"`
	Status    HealthStatus                `json:"status"`
	Score     float64                     `json:"score"`
	CheckedAt time.Time                   `json:"checked_at"`
	Instances map[InstanceID]HealthResult `json:"instances"`
}
