package domain

import "time"

// BackoffKind selects how the delay before a recovery attempt grows.
type BackoffKind int

const (
	BackoffNone BackoffKind = iota
	BackoffLinear
	BackoffExponential
	BackoffFixed
	BackoffAdaptive
)

var backoffNames = []string{"none", "linear", "exponential", "fixed", "adaptive"}

func (b BackoffKind) String() string               { return enumName(backoffNames, int(b)) }
func (b BackoffKind) MarshalText() ([]byte, error) { return []byte(b.String()), nil }
func (b *BackoffKind) UnmarshalText(p []byte) error {
	return parseEnum("backoff", backoffNames, p, b)
}

// Backoff parameterises a BackoffKind.
type Backoff struct {
	Kind BackoffKind `json:"kind"`
	// Base is the first delay (restart_delay_ms in declarations).
	Base time.Duration `json:"base" validate:"gte=0"`
	// Multiplier applies to exponential growth. Zero means 2.
	Multiplier float64 `json:"multiplier,omitempty" validate:"gte=0"`
	// Max is the per-service ceiling. The engine ceiling still applies when it is zero.
	Max time.Duration `json:"max,omitempty" validate:"gte=0"`
}

// RecoveryAction is what the recovery engine does to a failing instance.
type RecoveryAction int

const (
	ActionRestart RecoveryAction = iota
	ActionDelayedRestart
	ActionFailover
	ActionScaleUp
	ActionScaleDown
	ActionConfigReload
	ActionDependencyRestart
)

var actionNames = []string{
	"restart", "delayed-restart", "failover", "scale-up", "scale-down", "config-reload", "dependency-restart",
}

func (a RecoveryAction) String() string               { return enumName(actionNames, int(a)) }
func (a RecoveryAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (a *RecoveryAction) UnmarshalText(b []byte) error {
	return parseEnum("recovery action", actionNames, b, a)
}

// Escalates reports whether the action sits on the restart, delayed restart, failover ladder.
func (a RecoveryAction) Escalates() bool {
	return a <= ActionFailover
}

// RecoveryPolicy is bound to a definition and never mutated by the engine.
type RecoveryPolicy struct {
	AutoRestart bool           `json:"auto_restart"`
	MaxAttempts int            `json:"max_attempts" validate:"gte=0,lte=1000"`
	Backoff     Backoff        `json:"backoff"`
	Action      RecoveryAction `json:"action"`
}

// Severity of a fault.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

var severityNames = []string{"info", "warning", "error", "critical", "fatal"}

func (s Severity) String() string               { return enumName(severityNames, int(s)) }
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *Severity) UnmarshalText(b []byte) error {
	return parseEnum("severity", severityNames, b, s)
}

// Pattern is the temporal classification of a failure.
type Pattern int

const (
	PatternTransient Pattern = iota
	PatternIntermittent
	PatternPersistent
)

var patternNames = []string{"transient", "intermittent", "persistent"}

func (p Pattern) String() string               { return enumName(patternNames, int(p)) }
func (p Pattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (p *Pattern) UnmarshalText(b []byte) error {
	return parseEnum("pattern", patternNames, b, p)
}

// FailureSource is where a failure signal was observed.
type FailureSource int

const (
	SourceProbe FailureSource = iota
	SourceTransition
	SourceRouting
)

var sourceNames = []string{"probe", "transition", "routing"}

func (s FailureSource) String() string               { return enumName(sourceNames, int(s)) }
func (s FailureSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *FailureSource) UnmarshalText(b []byte) error {
	return parseEnum("failure source", sourceNames, b, s)
}

// FaultRecord tracks a failing instance from first observation until sustained recovery.
type FaultRecord struct {
	ID          string          `json:"id"`
	Service     ServiceID       `json:"service_id"`
	Name        string          `json:"service"`
	Instance    InstanceID      `json:"instance_id"`
	Severity    Severity        `json:"severity"`
	Pattern     Pattern         `json:"pattern"`
	Source      FailureSource   `json:"source"`
	Occurrences int             `json:"occurrences"`
	Attempts    int             `json:"attempts"`
	LastAction  RecoveryAction  `json:"last_action"`
	Delays      []time.Duration `json:"delays,omitempty"`
	Terminal    bool            `json:"terminal"`
	Message     string          `json:"message,omitempty"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}
