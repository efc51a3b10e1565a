package domain

import (
	"math"
	"time"
)

const (
	// Health score weights (sum to 1)
	HealthWeightStreak  = 0.5
	HealthWeightLatency = 0.3
	HealthWeightRecency = 0.2

	// HealthStreakSaturation is the success streak at which the streak term is maxed.
	HealthStreakSaturation = 5

	// DegradedScoreFactor caps the score of a Degraded result.
	DegradedScoreFactor = 0.5

	// Load score normalisation
	LoadConnectionScale = 100.0
	LoadLatencyScaleMs  = 1000.0

	// WaitPerConnection estimates queueing delay per active connection.
	WaitPerConnection = 10 * time.Millisecond
)

// HealthScore summarises a probe result in [0,1].
// streak is the number of consecutive successful cycles including this one.
// age is the time since the result was taken.
func HealthScore(status HealthStatus, streak int, latency, timeout, age, interval time.Duration) float64 {
	if !status.Routable() {
		return 0
	}

	streakTerm := math.Min(float64(streak), HealthStreakSaturation) / HealthStreakSaturation

	latencyTerm := 1.0
	if timeout > 0 {
		latencyTerm = clamp01(1 - float64(latency)/float64(timeout))
	}

	score := HealthWeightStreak*streakTerm + HealthWeightLatency*latencyTerm + HealthWeightRecency*recency(age, interval)
	if status == HealthDegraded {
		score *= DegradedScoreFactor
	}
	return round3(score)
}

// AgedScore decays a score taken at age zero to its value age later. Results
// older than one interval lose their recency term gradually.
func AgedScore(score float64, status HealthStatus, age, interval time.Duration) float64 {
	if !status.Routable() {
		return 0
	}
	loss := HealthWeightRecency * (1 - recency(age, interval))
	if status == HealthDegraded {
		loss *= DegradedScoreFactor
	}
	return round3(math.Max(0, score-loss))
}

func recency(age, interval time.Duration) float64 {
	if interval > 0 && age > interval {
		return clamp01(float64(interval) / float64(age))
	}
	return 1
}

// LoadScore is higher for less loaded instances, in (0,1].
func LoadScore(activeConnections int64, avgResponse time.Duration) float64 {
	conn := math.Max(0, float64(activeConnections))
	rtMs := math.Max(0, float64(avgResponse)/float64(time.Millisecond))
	connTerm := 1 / (1 + conn/LoadConnectionScale)
	rtTerm := 1 / (1 + rtMs/LoadLatencyScaleMs)
	return round3((connTerm + rtTerm) / 2)
}

// EstimatedWait approximates the queueing delay on an instance.
func EstimatedWait(activeConnections int64) time.Duration {
	if activeConnections <= 0 {
		return 0
	}
	return time.Duration(activeConnections) * WaitPerConnection
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
