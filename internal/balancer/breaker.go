package balancer

import "time"

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// BreakerState is the circuit state of one instance.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker excludes an instance after Threshold consecutive routing failures.
// After Cooldown a single trial request is let through; its outcome closes or
// re-opens the circuit. A trial left unreported for another Cooldown is
// replaced by a new one.
type breaker struct {
	threshold int
	cooldown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
	trialAt  time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// available reports whether the instance may be picked now.
func (b *breaker) available(now time.Time) bool {
	switch b.state {
	case BreakerOpen:
		return now.Sub(b.openedAt) >= b.cooldown
	case BreakerHalfOpen:
		return !b.trial || now.Sub(b.trialAt) >= b.cooldown
	default:
		return true
	}
}

// acquire accounts for a request sent to the instance.
func (b *breaker) acquire(now time.Time) {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	if b.state == BreakerHalfOpen {
		b.trial = true
		b.trialAt = now
	}
}

// success closes a half-open circuit. Late successes of requests sent before
// the circuit opened leave it open.
func (b *breaker) success() {
	if b.state == BreakerOpen {
		return
	}
	b.state = BreakerClosed
	b.failures = 0
	b.trial = false
}

// failure returns true when this failure opened the circuit.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.open(now)
		return true
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.open(now)
			return true
		}
	}
	return false
}

func (b *breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.trial = false
}

func (b *breaker) reset() {
	*b = breaker{threshold: b.threshold, cooldown: b.cooldown}
}
