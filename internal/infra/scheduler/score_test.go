package scheduler

import (
	"testing"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Candidate Selection Tests
// ═══════════════════════════════════════════════════════════════════════════

// fakeTracker scripts per-node reliability for selection tests.
type fakeTracker struct {
	stats   map[string]domain.ReliabilityStats
	blocked map[string]bool
	warmAt  int64
}

func (f *fakeTracker) RecordSuccess(string, time.Duration)                     {}
func (f *fakeTracker) RecordFailure(string, domain.FailureKind, time.Duration) {}
func (f *fakeTracker) Reset(string)                                            {}
func (f *fakeTracker) MostReliable(float64) []string                           { return nil }

func (f *fakeTracker) Stats(id string) domain.ReliabilityStats {
	if s, ok := f.stats[id]; ok {
		return s
	}
	return domain.ReliabilityStats{SuccessRate: 1.0}
}

func (f *fakeTracker) RankedRate(id string) float64 {
	s := f.Stats(id)
	if s.Total < f.warm() {
		return 1.0
	}
	return s.SuccessRate
}

func (f *fakeTracker) Warm(id string) bool { return f.Stats(id).Total >= f.warm() }

func (f *fakeTracker) Allow(id string) bool { return !f.blocked[id] }

func (f *fakeTracker) warm() int64 {
	if f.warmAt > 0 {
		return f.warmAt
	}
	return 10
}

// fakeCatalog admits every model on every node.
type fakeCatalog struct{ noFit map[string]bool }

func (f *fakeCatalog) ApproxSize(string) int64 { return 0 }
func (f *fakeCatalog) Fits(model string, node *domain.Node) (bool, bool) {
	return !f.noFit[node.ID], true
}
func (f *fakeCatalog) FallbackAfter(string, string) (string, bool) { return "", false }
func (f *fakeCatalog) LooksLikeOOM(string) bool                    { return false }

func selectionScheduler(t *testing.T, tr domain.Tracker, cat domain.Catalog) *Scheduler {
	t.Helper()
	if tr == nil {
		tr = &fakeTracker{}
	}
	if cat == nil {
		cat = &fakeCatalog{}
	}
	return New(DefaultConfig(), tr, cat)
}

func node(id string, class domain.NodeClass) *domain.Node {
	return &domain.Node{ID: id, Class: class, Healthy: true}
}

func fastReq() *domain.Request {
	return &domain.Request{Model: "phi3", Mode: domain.ModeFast, Priority: 5}
}

func ids(nodes []*domain.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// ─── Shared Filters ─────────────────────────────────────────────────────────

func TestUnhealthyNodesNeverSelected(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	down := node("down", domain.ClassGPU)
	down.Healthy = false
	up := node("up", domain.ClassCPU)

	got := s.Candidates(fastReq(), "phi3", []*domain.Node{down, up})
	if len(got) != 1 || got[0].ID != "up" {
		t.Fatalf("candidates = %v, want [up]", ids(got))
	}
}

func TestBreakerBlockedNodeFiltered(t *testing.T) {
	tr := &fakeTracker{blocked: map[string]bool{"a": true}}
	s := selectionScheduler(t, tr, nil)

	got := s.Candidates(fastReq(), "phi3", []*domain.Node{node("a", domain.ClassGPU), node("b", domain.ClassGPU)})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("candidates = %v, want [b]", ids(got))
	}
}

func TestModelThatDoesNotFitFiltered(t *testing.T) {
	s := selectionScheduler(t, nil, &fakeCatalog{noFit: map[string]bool{"small": true}})
	got := s.Candidates(fastReq(), "big-70b", []*domain.Node{node("small", domain.ClassGPU), node("big", domain.ClassGPU)})
	if len(got) != 1 || got[0].ID != "big" {
		t.Fatalf("candidates = %v, want [big]", ids(got))
	}
}

func TestNodeAtPerNodeCapFiltered(t *testing.T) {
	s := New(Config{MaxInFlight: 8, PerNodeCap: 1, QueueSoftCap: 8}, &fakeTracker{}, &fakeCatalog{})
	p, err := s.Acquire(t.Context(), 5, domain.ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	if !p.Bind("busy") {
		t.Fatal("bind failed")
	}
	defer p.Unbind("busy")

	got := s.Candidates(fastReq(), "phi3", []*domain.Node{node("busy", domain.ClassGPU), node("idle", domain.ClassGPU)})
	if len(got) != 1 || got[0].ID != "idle" {
		t.Fatalf("candidates = %v, want [idle]", ids(got))
	}
}

func TestMinFreeVRAMConstraint(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	tight := node("tight", domain.ClassGPU)
	tight.VRAMTotalBytes = 8 << 30
	tight.VRAMFreeBytes = 1 << 30
	roomy := node("roomy", domain.ClassGPU)
	roomy.VRAMTotalBytes = 24 << 30
	roomy.VRAMFreeBytes = 20 << 30
	unknown := node("unknown", domain.ClassGPU) // memory unreported

	req := fastReq()
	req.Constraints.MinFreeVRAMBytes = 4 << 30
	got := s.Candidates(req, "phi3", []*domain.Node{tight, roomy, unknown})

	for _, n := range got {
		if n.ID == "tight" {
			t.Error("node below min_free_vram selected")
		}
	}
	found := map[string]bool{}
	for _, n := range got {
		found[n.ID] = true
	}
	if !found["unknown"] {
		t.Error("node with unreported memory excluded by VRAM constraint alone")
	}
}

// ─── FAST Mode ──────────────────────────────────────────────────────────────

// Two GPU nodes, one busy: the idle one wins.
func TestFastPrefersIdleNode(t *testing.T) {
	s := New(Config{MaxInFlight: 8, PerNodeCap: 2, QueueSoftCap: 8}, &fakeTracker{}, &fakeCatalog{})
	a := node("a", domain.ClassGPU)
	a.VRAMTotalBytes = 24 << 30
	a.VRAMFreeBytes = 10 << 30
	b := node("b", domain.ClassGPU)
	b.VRAMTotalBytes = 24 << 30
	b.VRAMFreeBytes = 10 << 30

	p, err := s.Acquire(t.Context(), 5, domain.ModeFast)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	p.Bind("a") // a now has in-flight work
	defer p.Unbind("a")

	got := s.Candidates(fastReq(), "med-7b", []*domain.Node{a, b})
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("candidates = %v, want b first", ids(got))
	}
}

func TestFastPrefersGPUOverCPU(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	got := s.Candidates(fastReq(), "phi3", []*domain.Node{node("cpu", domain.ClassCPU), node("gpu", domain.ClassGPU)})
	if got[0].ID != "gpu" {
		t.Fatalf("candidates = %v, want gpu first", ids(got))
	}
}

func TestFastPreferCPUConstraintInvertsHardwareBonus(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	req := fastReq()
	req.Constraints.PreferCPU = true
	got := s.Candidates(req, "phi3", []*domain.Node{node("gpu", domain.ClassGPU), node("cpu", domain.ClassCPU)})
	if got[0].ID != "cpu" {
		t.Fatalf("candidates = %v, want cpu first under prefer_cpu", ids(got))
	}
}

func TestFastPenalizesRecentFailures(t *testing.T) {
	tr := &fakeTracker{stats: map[string]domain.ReliabilityStats{
		"flaky": {Total: 50, Successes: 25, Failures: 25, SuccessRate: 0.5},
		"solid": {Total: 50, Successes: 50, SuccessRate: 1.0},
	}}
	s := selectionScheduler(t, tr, nil)

	got := s.Candidates(fastReq(), "phi3", []*domain.Node{node("flaky", domain.ClassGPU), node("solid", domain.ClassGPU)})
	if got[0].ID != "solid" {
		t.Fatalf("candidates = %v, want solid first", ids(got))
	}
}

func TestFastTieBreaksByNodeID(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	got := s.Candidates(fastReq(), "phi3", []*domain.Node{node("b", domain.ClassCPU), node("a", domain.ClassCPU)})
	if got[0].ID != "a" {
		t.Fatalf("candidates = %v, want stable id order on ties", ids(got))
	}
}

// ─── RELIABLE Mode ──────────────────────────────────────────────────────────

// Reliable mode with insufficient warmth: a perfect-but-fresh node loses
// to a slightly imperfect warm node.
func TestReliableRequiresWarmth(t *testing.T) {
	tr := &fakeTracker{
		warmAt: 10,
		stats: map[string]domain.ReliabilityStats{
			"fresh": {Total: 3, Successes: 3, SuccessRate: 1.0},
			"warm":  {Total: 50, Successes: 49, Failures: 1, SuccessRate: 0.99},
		},
	}
	s := selectionScheduler(t, tr, nil)

	req := fastReq()
	req.Mode = domain.ModeReliable
	got := s.Candidates(req, "phi3", []*domain.Node{node("fresh", domain.ClassGPU), node("warm", domain.ClassGPU)})
	if got[0].ID != "warm" {
		t.Fatalf("candidates = %v, want warm first", ids(got))
	}
}

func TestReliableFloorFiltersAndFallsBackToFast(t *testing.T) {
	tr := &fakeTracker{
		warmAt: 10,
		stats: map[string]domain.ReliabilityStats{
			"a": {Total: 50, Successes: 30, Failures: 20, SuccessRate: 0.6},
			"b": {Total: 50, Successes: 35, Failures: 15, SuccessRate: 0.7},
		},
	}
	s := selectionScheduler(t, tr, nil)

	// Nothing clears the 0.95 floor: fall back to FAST scoring, but
	// still return candidates rather than failing.
	req := fastReq()
	req.Mode = domain.ModeReliable
	got := s.Candidates(req, "phi3", []*domain.Node{node("a", domain.ClassGPU), node("b", domain.ClassGPU)})
	if len(got) != 2 {
		t.Fatalf("candidates = %v, want both via FAST fallback", ids(got))
	}
	if got[0].ID != "b" {
		t.Errorf("candidates = %v, want the higher-success node first", ids(got))
	}
}

func TestReliableRanksByVariance(t *testing.T) {
	tr := &fakeTracker{
		warmAt: 10,
		stats: map[string]domain.ReliabilityStats{
			"jittery": {Total: 50, Successes: 50, SuccessRate: 1.0, LatencyVariance: 9.0},
			"steady":  {Total: 50, Successes: 50, SuccessRate: 1.0, LatencyVariance: 0.1},
		},
	}
	s := selectionScheduler(t, tr, nil)

	req := fastReq()
	req.Mode = domain.ModeReliable
	got := s.Candidates(req, "phi3", []*domain.Node{node("jittery", domain.ClassGPU), node("steady", domain.ClassCPU)})
	// GPU-vs-CPU is indifferent under RELIABLE.
	if got[0].ID != "steady" {
		t.Fatalf("candidates = %v, want steady first", ids(got))
	}
}

// ─── ASYNC Mode ─────────────────────────────────────────────────────────────

// ASYNC prefers CPU even if a GPU is free.
func TestAsyncPrefersCPU(t *testing.T) {
	s := selectionScheduler(t, nil, nil)
	gpu := node("a", domain.ClassGPU)
	cpu := node("b", domain.ClassCPU)
	cpu.RAMTotalBytes = 32 << 30
	cpu.RAMFreeBytes = 16 << 30

	req := fastReq()
	req.Mode = domain.ModeAsync
	got := s.Candidates(req, "phi3", []*domain.Node{gpu, cpu})
	if got[0].ID != "b" {
		t.Fatalf("candidates = %v, want cpu first", ids(got))
	}
	// The GPU stays available as a last resort.
	if len(got) != 2 || got[1].ID != "a" {
		t.Fatalf("candidates = %v, want gpu last", ids(got))
	}
}

func TestAsyncGPUOnlyWhenNoCPUFits(t *testing.T) {
	s := selectionScheduler(t, nil, &fakeCatalog{noFit: map[string]bool{"cpu": true}})
	req := fastReq()
	req.Mode = domain.ModeAsync
	got := s.Candidates(req, "big-70b", []*domain.Node{node("cpu", domain.ClassCPU), node("gpu", domain.ClassGPU)})
	if len(got) != 1 || got[0].ID != "gpu" {
		t.Fatalf("candidates = %v, want [gpu]", ids(got))
	}
}
