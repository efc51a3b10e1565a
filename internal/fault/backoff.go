package fault

import (
	"math"
	"time"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// Delay returns how long to wait before recovery attempt n (1-based).
//
// pressure is the number of failures observed since the previous attempt. Only
// the adaptive kind uses it: a quiet fault backs off linearly, a noisy one
// backs off proportionally faster.
//
// The result never exceeds b.Max nor ceiling, whichever is set and smaller.
func Delay(b domain.Backoff, n int, ceiling time.Duration, pressure int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(b.Base)
	var d float64
	switch b.Kind {
	case domain.BackoffNone:
		return 0
	case domain.BackoffFixed:
		d = base
	case domain.BackoffLinear:
		d = base * float64(n)
	case domain.BackoffExponential:
		mult := b.Multiplier
		if mult == 0 {
			mult = 2
		}
		d = base * math.Pow(mult, float64(n-1))
	case domain.BackoffAdaptive:
		d = base * float64(n) * float64(1+max(pressure, 0))
	}
	return capDelay(d, b.Max, ceiling)
}

func capDelay(d float64, limits ...time.Duration) time.Duration {
	limit := time.Duration(math.MaxInt64)
	for _, l := range limits {
		if l > 0 && l < limit {
			limit = l
		}
	}
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
