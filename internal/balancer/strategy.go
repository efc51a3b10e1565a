package balancer

import (
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// candidate is an instance eligible for one routing decision.
type candidate struct {
	inst  domain.Instance
	stats *instanceStats
	// score is the instance's health score aged to the time of the decision.
	score float64
}

// pick selects the index of one candidate. cands is never empty and is sorted by ordinal.
func (b *Balancer) pick(st *serviceState, strategy domain.Strategy, cands []candidate, key string) int {
	switch strategy {
	case domain.StrategyWeightedRoundRobin:
		return st.smoothWeighted(cands)
	case domain.StrategyLeastConnections:
		return leastConnections(cands, false)
	case domain.StrategyWeightedLeastConnections:
		return leastConnections(cands, true)
	case domain.StrategyRandom:
		return rand.IntN(len(cands))
	case domain.StrategyClientHash:
		if key == "" {
			return st.roundRobin(len(cands))
		}
		return int(xxhash.Sum64String(key) % uint64(len(cands)))
	case domain.StrategyConsistentHash:
		if key == "" {
			return st.roundRobin(len(cands))
		}
		return st.consistent(cands, key)
	case domain.StrategyFastest:
		return fastest(cands)
	case domain.StrategyHealthScore:
		return healthWeighted(cands)
	default:
		return st.roundRobin(len(cands))
	}
}

func (st *serviceState) roundRobin(n int) int {
	i := int(st.next % uint64(n))
	st.next++
	return i
}

// smoothWeighted spreads picks in proportion to weight without bursts.
func (st *serviceState) smoothWeighted(cands []candidate) int {
	total := 0
	best := -1
	for i, c := range cands {
		w := max(c.inst.Weight, 1)
		st.current[c.inst.ID] += w
		total += w
		if best < 0 || st.current[c.inst.ID] > st.current[cands[best].inst.ID] {
			best = i
		}
	}
	st.current[cands[best].inst.ID] -= total
	return best
}

func (st *serviceState) consistent(cands []candidate, key string) int {
	ids := make([]domain.InstanceID, len(cands))
	for i, c := range cands {
		ids[i] = c.inst.ID
	}
	if st.ring == nil || st.ring.signature != ringSignature(ids) {
		st.ring = newHashRing(ids)
	}
	owner := st.ring.lookup(key)
	for i, c := range cands {
		if c.inst.ID == owner {
			return i
		}
	}
	return 0
}

func leastConnections(cands []candidate, weighted bool) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		a, b := cands[i], cands[best]
		if weighted {
			// a.active/a.weight < b.active/b.weight
			if a.stats.active*int64(max(b.inst.Weight, 1)) < b.stats.active*int64(max(a.inst.Weight, 1)) {
				best = i
			}
		} else if a.stats.active < b.stats.active {
			best = i
		}
	}
	return best
}

// fastest prefers the lowest observed response time. Unmeasured instances go first.
func fastest(cands []candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].stats.avgResponse < cands[best].stats.avgResponse {
			best = i
		}
	}
	return best
}

// healthWeighted draws an instance with probability proportional to its health score.
func healthWeighted(cands []candidate) int {
	total := 0.0
	for _, c := range cands {
		total += c.score
	}
	if total <= 0 {
		return rand.IntN(len(cands))
	}
	r := rand.Float64() * total
	for i, c := range cands {
		r -= c.score
		if r < 0 {
			return i
		}
	}
	return len(cands) - 1
}
