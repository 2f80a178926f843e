// Package reliability accumulates per-node rolling metrics: success rate,
// latency mean and variance, timeout counts, and a ring of recent
// latencies. A per-node circuit breaker gates traffic to nodes that are
// failing hard.
package reliability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// Config tunes the tracker.
type Config struct {
	// RingSize is how many completed-request latencies to keep per node.
	RingSize int
	// WarmRequests is the sample count below which success_rate ranks as
	// a prior of 1.0, so fresh nodes are not penalized.
	WarmRequests int64
	Breaker      BreakerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RingSize:     100,
		WarmRequests: 10,
		Breaker:      DefaultBreakerConfig(),
	}
}

// nodeStats holds one node's counters and latency ring.
type nodeStats struct {
	mu sync.Mutex

	total     int64
	successes int64
	failures  int64
	timeouts  int64

	ring  []time.Duration
	next  int
	count int

	breaker *Breaker
}

// Tracker implements domain.Tracker.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	nodes map[string]*nodeStats
}

// New creates an empty tracker.
func New(cfg Config) *Tracker {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 100
	}
	if cfg.WarmRequests <= 0 {
		cfg.WarmRequests = 10
	}
	return &Tracker{cfg: cfg, nodes: make(map[string]*nodeStats)}
}

func (t *Tracker) node(id string) *nodeStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	ns, ok := t.nodes[id]
	if !ok {
		ns = &nodeStats{
			ring:    make([]time.Duration, t.cfg.RingSize),
			breaker: NewBreaker(id, t.cfg.Breaker),
		}
		t.nodes[id] = ns
	}
	return ns
}

// RecordSuccess records one completed request.
func (t *Tracker) RecordSuccess(id string, latency time.Duration) {
	ns := t.node(id)
	ns.mu.Lock()
	ns.total++
	ns.successes++
	ns.push(latency)
	ns.mu.Unlock()
	ns.breaker.RecordSuccess()
}

// RecordFailure records one failed attempt. Latency may be zero when the
// attempt never produced a measurable duration.
func (t *Tracker) RecordFailure(id string, kind domain.FailureKind, latency time.Duration) {
	ns := t.node(id)
	ns.mu.Lock()
	ns.total++
	ns.failures++
	if kind == domain.FailTimeout {
		ns.timeouts++
	}
	if latency > 0 {
		ns.push(latency)
	}
	ns.mu.Unlock()
	ns.breaker.RecordFailure()
}

// push replaces the oldest ring entry on overflow. Callers hold ns.mu.
func (ns *nodeStats) push(latency time.Duration) {
	ns.ring[ns.next] = latency
	ns.next = (ns.next + 1) % len(ns.ring)
	if ns.count < len(ns.ring) {
		ns.count++
	}
}

// statsLocked derives the view. Callers hold ns.mu.
func (ns *nodeStats) statsLocked() domain.ReliabilityStats {
	s := domain.ReliabilityStats{
		Total:     ns.total,
		Successes: ns.successes,
		Failures:  ns.failures,
		Timeouts:  ns.timeouts,
	}
	if ns.total > 0 {
		s.SuccessRate = float64(ns.successes) / float64(ns.total)
	} else {
		s.SuccessRate = 1.0
	}
	if ns.count > 0 {
		var sum float64
		for i := 0; i < ns.count; i++ {
			sum += ns.ring[i].Seconds()
		}
		mean := sum / float64(ns.count)
		var sq float64
		for i := 0; i < ns.count; i++ {
			d := ns.ring[i].Seconds() - mean
			sq += d * d
		}
		s.LatencyMean = time.Duration(mean * float64(time.Second))
		s.LatencyVariance = sq / float64(ns.count) // population variance
	}
	return s
}

// Stats returns the read-only view for one node.
func (t *Tracker) Stats(id string) domain.ReliabilityStats {
	ns := t.node(id)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.statsLocked()
}

// RankedRate returns the success rate used for ordering candidates,
// applying the fresh-node prior.
func (t *Tracker) RankedRate(id string) float64 {
	s := t.Stats(id)
	if s.Total < t.cfg.WarmRequests {
		return 1.0
	}
	return s.SuccessRate
}

// Warm reports whether RELIABLE mode may trust the node's stats.
func (t *Tracker) Warm(id string) bool {
	return t.Stats(id).Total >= t.cfg.WarmRequests
}

// Allow reports whether the node's circuit breaker admits traffic.
func (t *Tracker) Allow(id string) bool {
	return t.node(id).breaker.Allow() == nil
}

// MostReliable returns node IDs with ranked success rate ≥ the floor,
// sorted by (success_rate desc, latency_variance asc, latency_mean asc).
func (t *Tracker) MostReliable(minSuccessRate float64) []string {
	type entry struct {
		id    string
		rate  float64
		stats domain.ReliabilityStats
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		s := t.Stats(id)
		rate := s.SuccessRate
		if s.Total < t.cfg.WarmRequests {
			rate = 1.0
		}
		if rate < minSuccessRate {
			continue
		}
		entries = append(entries, entry{id: id, rate: rate, stats: s})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.rate != b.rate {
			return a.rate > b.rate
		}
		if math.Abs(a.stats.LatencyVariance-b.stats.LatencyVariance) > 1e-12 {
			return a.stats.LatencyVariance < b.stats.LatencyVariance
		}
		if a.stats.LatencyMean != b.stats.LatencyMean {
			return a.stats.LatencyMean < b.stats.LatencyMean
		}
		return a.id < b.id
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// Reset clears a node's counters and breaker. Admin-only.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}
