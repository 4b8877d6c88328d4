package discovery

import (
	"math/rand"
	"sort"
	"sync"
)

// balancer picks one instance out of a healthy candidate list
type balancer struct {
	mu       sync.Mutex
	counters map[string]uint64
	rand     *rand.Rand
}

func newBalancer(seed int64) *balancer {
	return &balancer{
		counters: make(map[string]uint64),
		rand:     rand.New(rand.NewSource(seed)),
	}
}

func (b *balancer) pick(strategy Strategy, site string, candidates []ServiceInstance) ServiceInstance {
	switch strategy {
	case StrategyRoundRobin:
		return b.roundRobin(site, candidates)
	case StrategyWeighted:
		return b.weighted(candidates)
	case StrategyLeastConnections:
		return leastConnections(candidates)
	case StrategyRandom:
		b.mu.Lock()
		defer b.mu.Unlock()
		return candidates[b.rand.Intn(len(candidates))]
	default:
		return priorityBased(candidates)
	}
}

func (b *balancer) roundRobin(site string, candidates []ServiceInstance) ServiceInstance {
	b.mu.Lock()
	n := b.counters[site]
	b.counters[site] = n + 1
	b.mu.Unlock()
	return candidates[n%uint64(len(candidates))]
}

// weighted draws proportionally to Weight; all-zero weights degrade to uniform
func (b *balancer) weighted(candidates []ServiceInstance) ServiceInstance {
	total := 0
	for _, c := range candidates {
		total += c.Weight
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if total <= 0 {
		return candidates[b.rand.Intn(len(candidates))]
	}
	draw := b.rand.Intn(total)
	for _, c := range candidates {
		draw -= c.Weight
		if draw < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func leastConnections(candidates []ServiceInstance) ServiceInstance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ActiveConnections < best.ActiveConnections {
			best = c
		}
	}
	return best
}

func priorityBased(candidates []ServiceInstance) ServiceInstance {
	sorted := append([]ServiceInstance(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Weight > sorted[j].Weight
	})
	return sorted[0]
}
