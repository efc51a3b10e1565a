package fault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

func TestDelay(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name     string
		backoff  domain.Backoff
		ceiling  time.Duration
		pressure int
		want     []time.Duration
	}{
		{"none", domain.Backoff{Kind: domain.BackoffNone, Base: 100 * ms}, 0, 0, []time.Duration{0, 0, 0}},
		{"fixed", domain.Backoff{Kind: domain.BackoffFixed, Base: 100 * ms}, 0, 0, []time.Duration{100 * ms, 100 * ms, 100 * ms}},
		{"linear", domain.Backoff{Kind: domain.BackoffLinear, Base: 100 * ms}, 0, 0, []time.Duration{100 * ms, 200 * ms, 300 * ms}},
		{"exponential", domain.Backoff{Kind: domain.BackoffExponential, Base: 100 * ms}, 0, 0, []time.Duration{100 * ms, 200 * ms, 400 * ms, 800 * ms}},
		{"exponential x3", domain.Backoff{Kind: domain.BackoffExponential, Base: 10 * ms, Multiplier: 3}, 0, 0, []time.Duration{10 * ms, 30 * ms, 90 * ms}},
		{"exponential ceiling", domain.Backoff{Kind: domain.BackoffExponential, Base: 100 * ms}, 300 * ms, 0, []time.Duration{100 * ms, 200 * ms, 300 * ms, 300 * ms}},
		{"service max below ceiling", domain.Backoff{Kind: domain.BackoffExponential, Base: 100 * ms, Max: 150 * ms}, time.Second, 0, []time.Duration{100 * ms, 150 * ms, 150 * ms}},
		{"adaptive quiet", domain.Backoff{Kind: domain.BackoffAdaptive, Base: 100 * ms}, 0, 0, []time.Duration{100 * ms, 200 * ms, 300 * ms}},
		{"adaptive noisy", domain.Backoff{Kind: domain.BackoffAdaptive, Base: 100 * ms}, 0, 2, []time.Duration{300 * ms, 600 * ms, 900 * ms}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make([]time.Duration, 0, len(tt.want))
			for n := 1; n <= len(tt.want); n++ {
				got = append(got, Delay(tt.backoff, n, tt.ceiling, tt.pressure))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDelay_ExponentialIncreasesUntilCeiling(t *testing.T) {
	b := domain.Backoff{Kind: domain.BackoffExponential, Base: 7 * time.Millisecond, Multiplier: 1.7}
	ceiling := 2 * time.Second
	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := Delay(b, n, ceiling, 0)
		if d > ceiling {
			t.Fatalf("attempt %d: delay %s exceeds ceiling %s", n, d, ceiling)
		}
		if prev < ceiling && d <= prev {
			t.Fatalf("attempt %d: delay %s did not grow from %s", n, d, prev)
		}
		prev = d
	}
	if prev != ceiling {
		t.Fatalf("delay settled at %s, want %s", prev, ceiling)
	}
}
