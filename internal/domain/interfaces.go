package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the router depends on them.

// BackendClient speaks one backend's HTTP+JSON protocol and nothing more.
// It never touches registry or reliability state.
type BackendClient interface {
	// Tags lists the models installed on the node. Short timeout.
	Tags(ctx context.Context, node *Node) ([]ModelInfo, error)

	// Running lists the models currently loaded in the node's memory.
	Running(ctx context.Context, node *Node) ([]LoadedModel, error)

	// Generate performs a unary generate call. Errors are *AttemptError.
	Generate(ctx context.Context, node *Node, body []byte) (*GenerateResponse, error)

	// GenerateStream starts a streaming generate call. The iterator is
	// lazy, finite, and not restartable; the caller must Close it.
	GenerateStream(ctx context.Context, node *Node, body []byte) (StreamIterator, error)
}

// StreamIterator yields decoded chunks from a generate stream.
// After any error, every subsequent Next returns the same error.
type StreamIterator interface {
	// Next blocks for the next chunk. Returns ErrStreamClosed after the
	// terminal done=true chunk has been delivered.
	Next() (Chunk, error)

	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// Registry holds the authoritative set of known nodes.
type Registry interface {
	Upsert(node *Node)
	Remove(id string) bool
	Get(id string) (*Node, bool)
	// Snapshot returns a consistent immutable view, sorted by node ID.
	Snapshot() []*Node
	// Update atomically applies patch to a stored node's copy.
	Update(id string, patch func(n *Node)) bool
	Len() int
}

// ReliabilityStats is the read-only per-node metrics view.
type ReliabilityStats struct {
	Total           int64         `json:"total"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Timeouts        int64         `json:"timeouts"`
	SuccessRate     float64       `json:"success_rate"`
	LatencyMean     time.Duration `json:"latency_mean"`
	LatencyVariance float64       `json:"latency_variance"` // seconds²
}

// Tracker accumulates per-node reliability metrics.
type Tracker interface {
	RecordSuccess(id string, latency time.Duration)
	RecordFailure(id string, kind FailureKind, latency time.Duration)
	Stats(id string) ReliabilityStats
	// RankedRate returns the success rate used for ranking: a prior of
	// 1.0 until the node has seen enough requests to be trusted.
	RankedRate(id string) float64
	// Warm reports whether the node has enough samples for RELIABLE mode.
	Warm(id string) bool
	// Allow reports whether the node's circuit breaker admits traffic.
	Allow(id string) bool
	MostReliable(minSuccessRate float64) []string
	Reset(id string)
}

// Catalog knows model sizes, fallback chains, and OOM signatures.
type Catalog interface {
	// ApproxSize returns the estimated in-memory size, 0 if unknown.
	ApproxSize(model string) int64
	// Fits reports whether the model fits the node's free memory.
	// confident is false when the size or the node's memory is unknown.
	Fits(model string, node *Node) (ok, confident bool)
	// FallbackAfter returns the next smaller model in the task's chain.
	FallbackAfter(model, taskKind string) (string, bool)
	LooksLikeOOM(text string) bool
}

// Permit is an admission token from the scheduler. Release must be called
// on all paths once acquired.
type Permit interface {
	// Bind marks an attempt in flight on the node, enforcing the per-node
	// cap. Unbind must follow every successful Bind.
	Bind(nodeID string) bool
	Unbind(nodeID string)
	Release()
}

// Scheduler performs admission control and candidate selection.
type Scheduler interface {
	// Acquire blocks until a permit is free, the context ends, or the
	// waiting queue overflows (ErrOverloaded).
	Acquire(ctx context.Context, priority int, mode RoutingMode) (Permit, error)

	// Candidates returns healthy nodes fitting the model, best first,
	// ranked under the request's routing mode.
	Candidates(req *Request, model string, snapshot []*Node) []*Node

	// InFlight returns the live per-node in-flight count.
	InFlight(nodeID string) int
}
