package scheduler

import (
	"sort"

	"github.com/fleetllm/fleet/internal/domain"
)

// ─── FAST Scoring Weights ───────────────────────────────────────────────────

// Weights are the FAST-mode scoring coefficients. Defaults are tuned for
// mixed GPU/CPU fleets and overridable through configuration.
type Weights struct {
	Load           float64 // w1 · 1/(1+in_flight)
	GPUBonus       float64 // w2 · gpu
	FreeVRAMRatio  float64 // w3 · free/total
	LocalBonus     float64 // w4 · local
	Latency        float64 // w5 · 1/(1+latency_mean)
	FailurePenalty float64 // w6 · (1 - ranked success rate), subtracted
}

// DefaultWeights returns the default FAST coefficients.
func DefaultWeights() Weights {
	return Weights{
		Load:           1.0,
		GPUBonus:       1.5,
		FreeVRAMRatio:  0.5,
		LocalBonus:     0.4,
		Latency:        0.6,
		FailurePenalty: 0.8,
	}
}

// ─── Candidate Selection ────────────────────────────────────────────────────

// candidate pairs a node with its selection inputs.
type candidate struct {
	node     *domain.Node
	inFlight int
	stats    domain.ReliabilityStats
	rate     float64 // ranked success rate (fresh-node prior applied)
	warm     bool
	score    float64
}

// Candidates returns healthy nodes fitting the model, ordered best-first
// under the request's routing mode. The snapshot comes from the registry
// so a selection pass sees a consistent picture.
func (s *Scheduler) Candidates(req *domain.Request, model string, snapshot []*domain.Node) []*domain.Node {
	cands := s.filter(req, model, snapshot)
	if len(cands) == 0 {
		return nil
	}

	switch req.Mode {
	case domain.ModeReliable:
		return s.rankReliable(req, cands)
	case domain.ModeAsync:
		return s.rankAsync(cands)
	default:
		return s.rankFast(req, cands)
	}
}

// filter applies the hard conditions every mode shares: healthy, breaker
// admits traffic, model fits, per-node cap not exhausted, constraints.
func (s *Scheduler) filter(req *domain.Request, model string, snapshot []*domain.Node) []candidate {
	out := make([]candidate, 0, len(snapshot))

	s.mu.Lock()
	// Refresh reported parallelism while the snapshot is in hand.
	for _, n := range snapshot {
		if n.MaxParallel > 0 {
			s.nodeCaps[n.ID] = n.MaxParallel
		}
	}
	inFlight := make(map[string]int, len(snapshot))
	caps := make(map[string]int, len(snapshot))
	for _, n := range snapshot {
		inFlight[n.ID] = s.perNode[n.ID]
		caps[n.ID] = s.capForLocked(n.ID)
	}
	s.mu.Unlock()

	for _, n := range snapshot {
		if !n.Healthy {
			continue
		}
		if s.tracker != nil && !s.tracker.Allow(n.ID) {
			continue
		}
		if inFlight[n.ID] >= caps[n.ID] {
			continue
		}
		if s.catalog != nil {
			if ok, _ := s.catalog.Fits(model, n); !ok {
				continue
			}
		}
		if min := req.Constraints.MinFreeVRAMBytes; min > 0 && n.VRAMTotalBytes > 0 && n.VRAMFreeBytes < min {
			continue
		}

		c := candidate{node: n, inFlight: inFlight[n.ID]}
		if s.tracker != nil {
			c.stats = s.tracker.Stats(n.ID)
			c.rate = s.tracker.RankedRate(n.ID)
			c.warm = s.tracker.Warm(n.ID)
		} else {
			c.rate = 1.0
		}
		out = append(out, c)
	}
	return out
}

// rankFast scores performance-first. The prefer_cpu constraint inverts
// the hardware bonus; prefer_local doubles the locality weight.
func (s *Scheduler) rankFast(req *domain.Request, cands []candidate) []*domain.Node {
	w := s.cfg.Weights
	for i := range cands {
		c := &cands[i]
		n := c.node

		score := w.Load / (1.0 + float64(c.inFlight))
		if n.IsGPU() != req.Constraints.PreferCPU {
			score += w.GPUBonus
		}
		if n.VRAMTotalBytes > 0 {
			score += w.FreeVRAMRatio * float64(n.VRAMFreeBytes) / float64(n.VRAMTotalBytes)
		}
		if n.Local {
			if req.Constraints.PreferLocal {
				score += 2 * w.LocalBonus
			} else {
				score += w.LocalBonus
			}
		}
		score += w.Latency / (1.0 + c.stats.LatencyMean.Seconds())
		score -= w.FailurePenalty * (1.0 - c.rate)

		c.score = score
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		return a.node.ID < b.node.ID
	})
	return nodesOf(cands)
}

// rankReliable filters to warm nodes above the success-rate floor and
// ranks by (success_rate desc, latency_variance asc, uptime desc).
// When nothing passes, it falls back to FAST scoring over the same set.
func (s *Scheduler) rankReliable(req *domain.Request, cands []candidate) []*domain.Node {
	floor := req.Constraints.MinSuccessRate
	if floor <= 0 {
		floor = s.cfg.MinSuccessRate
	}

	passed := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.warm && c.stats.SuccessRate >= floor {
			passed = append(passed, c)
		}
	}
	if len(passed) == 0 {
		return s.rankFast(req, cands)
	}

	now := s.now()
	sort.SliceStable(passed, func(i, j int) bool {
		a, b := passed[i], passed[j]
		if a.stats.SuccessRate != b.stats.SuccessRate {
			return a.stats.SuccessRate > b.stats.SuccessRate
		}
		if a.stats.LatencyVariance != b.stats.LatencyVariance {
			return a.stats.LatencyVariance < b.stats.LatencyVariance
		}
		au, bu := a.node.Uptime(now), b.node.Uptime(now)
		if au != bu {
			return au > bu
		}
		return a.node.ID < b.node.ID
	})
	return nodesOf(passed)
}

// rankAsync prefers CPU-class nodes whose RAM fits the model; among
// those, lowest in-flight wins. GPU nodes only when no CPU node fits.
func (s *Scheduler) rankAsync(cands []candidate) []*domain.Node {
	var cpu, gpu []candidate
	for _, c := range cands {
		if c.node.IsGPU() {
			gpu = append(gpu, c)
		} else {
			cpu = append(cpu, c)
		}
	}

	byLoad := func(set []candidate) {
		sort.SliceStable(set, func(i, j int) bool {
			a, b := set[i], set[j]
			if a.inFlight != b.inFlight {
				return a.inFlight < b.inFlight
			}
			return a.node.ID < b.node.ID
		})
	}
	byLoad(cpu)
	byLoad(gpu)

	// CPU nodes first, GPU as last resort — queueing is acceptable in
	// ASYNC, so a busy CPU node still outranks a free GPU.
	return nodesOf(append(cpu, gpu...))
}

func nodesOf(cands []candidate) []*domain.Node {
	out := make([]*domain.Node, len(cands))
	for i, c := range cands {
		out[i] = c.node
	}
	return out
}
