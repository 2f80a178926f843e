// Package scheduler implements admission control and candidate selection.
//
// Core concepts:
//   - Permit: a bounded-concurrency admission token. The global in-flight
//     cap is the only cross-request serialization point.
//   - Waiting queue: ordered by (priority desc, arrival asc); ASYNC
//     requests queue behind FAST/RELIABLE waiters of equal priority.
//   - Soft cap: past it, Acquire rejects immediately with Overloaded.
//   - Selection: an ordered candidate node list under a routing mode,
//     so the router can fail over down the list.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
	"github.com/fleetllm/fleet/internal/infra/metrics"
)

// Config configures the scheduler.
type Config struct {
	// MaxInFlight is the global concurrency cap.
	MaxInFlight int
	// PerNodeCap bounds concurrent requests to one node when the node
	// does not report its own parallelism.
	PerNodeCap int
	// QueueSoftCap is the waiting-queue overflow threshold.
	QueueSoftCap int
	// MinSuccessRate is the RELIABLE-mode floor when the request does
	// not carry its own.
	MinSuccessRate float64
	// Weights tune FAST-mode scoring.
	Weights Weights
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		PerNodeCap:     2,
		QueueSoftCap:   64,
		MinSuccessRate: 0.95,
		Weights:        DefaultWeights(),
	}
}

// waiter is one queued Acquire call.
type waiter struct {
	priority int
	async    bool
	seq      uint64
	ready    chan struct{}
	granted  bool
}

// Scheduler implements domain.Scheduler.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	tracker domain.Tracker
	catalog domain.Catalog

	inFlight int
	perNode  map[string]int
	nodeCaps map[string]int // node-reported parallelism, from snapshots
	queue    []*waiter
	seq      uint64

	now func() time.Time // injectable clock for testing
}

// New creates a scheduler. tracker and catalog inform candidate ranking.
func New(cfg Config, tracker domain.Tracker, catalog domain.Catalog) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.PerNodeCap <= 0 {
		cfg.PerNodeCap = 2
	}
	if cfg.QueueSoftCap <= 0 {
		cfg.QueueSoftCap = 64
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = 0.95
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Scheduler{
		cfg:      cfg,
		tracker:  tracker,
		catalog:  catalog,
		perNode:  make(map[string]int),
		nodeCaps: make(map[string]int),
		now:      time.Now,
	}
}

// ─── Admission ──────────────────────────────────────────────────────────────

// Acquire blocks until a permit frees, the context ends, or the queue
// overflows. ASYNC mode is background: it queues behind any FAST or
// RELIABLE waiter of equal priority.
func (s *Scheduler) Acquire(ctx context.Context, priority int, mode domain.RoutingMode) (domain.Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapCtxErr(err)
	}
	priority = domain.ClampPriority(priority)

	s.mu.Lock()
	if s.inFlight < s.cfg.MaxInFlight && len(s.queue) == 0 {
		s.inFlight++
		s.mu.Unlock()
		return &permit{s: s}, nil
	}
	if len(s.queue) >= s.cfg.QueueSoftCap {
		s.mu.Unlock()
		return nil, domain.ErrOverloaded
	}

	w := &waiter{
		priority: priority,
		async:    mode == domain.ModeAsync,
		seq:      s.seq,
		ready:    make(chan struct{}),
	}
	s.seq++
	s.queue = append(s.queue, w)
	metrics.QueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	select {
	case <-w.ready:
		return &permit{s: s}, nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Lost the race: the permit arrived with the cancellation.
			// Hand the slot to the next waiter and report cancellation —
			// zero observable side effects for this request.
			s.inFlight--
			s.wakeNextLocked()
			s.mu.Unlock()
			return nil, mapCtxErr(ctx.Err())
		}
		s.removeLocked(w)
		s.mu.Unlock()
		return nil, mapCtxErr(ctx.Err())
	}
}

// wakeNextLocked admits the best waiter if capacity allows.
func (s *Scheduler) wakeNextLocked() {
	if s.inFlight >= s.cfg.MaxInFlight {
		return
	}
	best := -1
	for i, w := range s.queue {
		if w.granted {
			continue
		}
		if best < 0 || waiterBefore(w, s.queue[best]) {
			best = i
		}
	}
	if best < 0 {
		return
	}
	w := s.queue[best]
	w.granted = true
	s.removeLocked(w)
	s.inFlight++
	close(w.ready)
}

// waiterBefore orders the queue: priority desc, then FAST/RELIABLE before
// ASYNC, then arrival order.
func waiterBefore(a, b *waiter) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.async != b.async {
		return !a.async
	}
	return a.seq < b.seq
}

func (s *Scheduler) removeLocked(target *waiter) {
	for i, w := range s.queue {
		if w == target {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.QueueDepth.Set(float64(len(s.queue)))
			return
		}
	}
}

// QueueDepth returns the number of waiting requests.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight returns the live per-node in-flight count.
func (s *Scheduler) InFlight(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perNode[nodeID]
}

// GlobalInFlight returns the number of admitted requests.
func (s *Scheduler) GlobalInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrDeadlineExceeded
	}
	return domain.ErrCanceled
}

// ─── Permit ─────────────────────────────────────────────────────────────────

type permit struct {
	s    *Scheduler
	once sync.Once
}

// Bind marks an attempt in flight on the node. Returns false when the
// node is already at its cap; the router then skips the candidate.
func (p *permit) Bind(nodeID string) bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.perNode[nodeID] >= p.s.capForLocked(nodeID) {
		return false
	}
	p.s.perNode[nodeID]++
	return true
}

// Unbind releases the node slot taken by Bind. Guaranteed-on-all-paths:
// the router defers it around every attempt.
func (p *permit) Unbind(nodeID string) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.perNode[nodeID] > 0 {
		p.s.perNode[nodeID]--
		if p.s.perNode[nodeID] == 0 {
			delete(p.s.perNode, nodeID)
		}
	}
}

// Release frees the global slot and admits the next waiter. Idempotent.
func (p *permit) Release() {
	p.once.Do(func() {
		p.s.mu.Lock()
		p.s.inFlight--
		p.s.wakeNextLocked()
		p.s.mu.Unlock()
	})
}

func (s *Scheduler) capForLocked(nodeID string) int {
	if reported, ok := s.nodeCaps[nodeID]; ok && reported > 0 {
		return reported
	}
	return s.cfg.PerNodeCap
}
