package domain

import (
	"testing"
	"time"
)

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name     string
		status   HealthStatus
		streak   int
		latency  time.Duration
		age      time.Duration
		expected float64
	}{
		{name: "unhealthy is zero", status: HealthUnhealthy, streak: 10, expected: 0},
		{name: "unknown is zero", status: HealthUnknown, expected: 0},
		{name: "fresh saturated instant", status: HealthHealthy, streak: 5, expected: 1},
		{name: "first success", status: HealthHealthy, streak: 1, expected: 0.6},
		{name: "half timeout latency", status: HealthHealthy, streak: 5, latency: time.Second, expected: 0.85},
		{name: "stale result", status: HealthHealthy, streak: 5, age: 20 * time.Second, expected: 0.9},
		{name: "degraded is halved", status: HealthDegraded, streak: 5, expected: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HealthScore(tt.status, tt.streak, tt.latency, 2*time.Second, tt.age, 10*time.Second)
			if got != tt.expected {
				t.Errorf("HealthScore() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestAgedScore(t *testing.T) {
	fresh := HealthScore(HealthHealthy, 5, 0, 2*time.Second, 0, 10*time.Second)
	stale := HealthScore(HealthHealthy, 5, 0, 2*time.Second, 20*time.Second, 10*time.Second)

	if got := AgedScore(fresh, HealthHealthy, 20*time.Second, 10*time.Second); got != stale {
		t.Errorf("AgedScore() = %v, expected %v", got, stale)
	}
	if got := AgedScore(fresh, HealthHealthy, 5*time.Second, 10*time.Second); got != fresh {
		t.Errorf("results younger than one interval keep their score, got %v", got)
	}
	if AgedScore(fresh, HealthHealthy, time.Hour, 10*time.Second) >= AgedScore(fresh, HealthHealthy, time.Minute, 10*time.Second) {
		t.Error("older results should score lower")
	}
	degraded := HealthScore(HealthDegraded, 5, 0, 2*time.Second, 0, 10*time.Second)
	want := HealthScore(HealthDegraded, 5, 0, 2*time.Second, 40*time.Second, 10*time.Second)
	if got := AgedScore(degraded, HealthDegraded, 40*time.Second, 10*time.Second); got != want {
		t.Errorf("AgedScore(degraded) = %v, expected %v", got, want)
	}
	if got := AgedScore(0.8, HealthUnhealthy, 0, time.Second); got != 0 {
		t.Errorf("unhealthy should score 0, got %v", got)
	}
}

func TestLoadScore(t *testing.T) {
	if got := LoadScore(0, 0); got != 1 {
		t.Errorf("idle instance should score 1, got %v", got)
	}
	if got := LoadScore(100, time.Second); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if LoadScore(10, 0) <= LoadScore(50, 0) {
		t.Error("fewer connections should score higher")
	}
	if got := EstimatedWait(7); got != 70*time.Millisecond {
		t.Errorf("EstimatedWait(7) = %v", got)
	}
}
