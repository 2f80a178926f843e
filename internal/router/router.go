// Package router composes the fleet: discovery-fed registry, reliability
// tracking, the model catalog, and the scheduler, behind the public
// Generate / GenerateStream / ListModels / ClusterStats / NodeResources
// surface. It owns failover across candidates and fallback-model chains.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetllm/fleet/internal/domain"
	"github.com/fleetllm/fleet/internal/infra/metrics"
)

// Config holds router-level settings.
type Config struct {
	// DefaultMode is used when a request does not name a routing mode.
	DefaultMode domain.RoutingMode
}

// Router is the public routing surface. All methods are safe for
// concurrent use.
type Router struct {
	client   domain.BackendClient
	registry domain.Registry
	tracker  domain.Tracker
	catalog  domain.Catalog
	sched    domain.Scheduler
	cfg      Config
}

// New wires a router from its collaborators.
func New(cfg Config, client domain.BackendClient, reg domain.Registry, tracker domain.Tracker, cat domain.Catalog, sched domain.Scheduler) *Router {
	return &Router{
		client:   client,
		registry: reg,
		tracker:  tracker,
		catalog:  cat,
		sched:    sched,
		cfg:      cfg,
	}
}

// DefaultMode returns the configured default routing mode; callers that
// accept mode names use it when a request leaves the mode blank.
func (r *Router) DefaultMode() domain.RoutingMode { return r.cfg.DefaultMode }

// ─── Generate (unary) ───────────────────────────────────────────────────────

// Generate runs one unary generate request through candidate selection,
// failover, and the fallback chain. The RouteDecision is returned on
// success and on error.
func (r *Router) Generate(ctx context.Context, req *domain.Request) (*domain.GenerateResponse, domain.RouteDecision, error) {
	req = r.normalize(req)
	decision := domain.RouteDecision{Mode: req.Mode, ModelUsed: req.Model}

	permit, err := r.admit(ctx, req, &decision)
	if err != nil {
		return nil, decision, err
	}
	defer permit.Release()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	var resp *domain.GenerateResponse
	err = r.attemptLoop(ctx, req, permit, &decision, func(attemptCtx context.Context, _ context.CancelFunc, node *domain.Node, body []byte) error {
		out, err := r.client.Generate(attemptCtx, node, body)
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, decision, err
	}
	return resp, decision, nil
}

// ─── GenerateStream ─────────────────────────────────────────────────────────

// GenerateStream runs a streaming generate. The RouteDecision is final
// once the first chunk arrives; failures before the first chunk fail
// over, failures after it are terminal on the returned iterator.
func (r *Router) GenerateStream(ctx context.Context, req *domain.Request) (domain.StreamIterator, domain.RouteDecision, error) {
	req = r.normalize(req)
	req.Streaming = true
	decision := domain.RouteDecision{Mode: req.Mode, ModelUsed: req.Model}

	permit, err := r.admit(ctx, req, &decision)
	if err != nil {
		return nil, decision, err
	}
	metrics.InFlight.Inc()

	var out *routedStream
	err = r.attemptLoop(ctx, req, permit, &decision, func(attemptCtx context.Context, cancelAttempt context.CancelFunc, node *domain.Node, body []byte) error {
		start := time.Now()
		iter, err := r.client.GenerateStream(attemptCtx, node, body)
		if err != nil {
			return err
		}

		// The node commits only on the first chunk; before it, failures
		// are request-start failures and the next candidate is tried.
		first, err := iter.Next()
		if err != nil {
			iter.Close()
			return err
		}
		out = &routedStream{
			inner:   iter,
			first:   &first,
			nodeID:  node.ID,
			started: start,
			tracker: r.tracker,
			release: func() {
				cancelAttempt()
				permit.Unbind(node.ID)
				metrics.NodeInFlight.WithLabelValues(node.ID).Dec()
				permit.Release()
				metrics.InFlight.Dec()
			},
		}
		return nil
	})
	if err != nil {
		permit.Release()
		metrics.InFlight.Dec()
		return nil, decision, err
	}
	// The stream owns the permit now; its release closure frees the node
	// slot and the global permit when the stream terminates.
	return out, decision, nil
}

// ─── Introspection ──────────────────────────────────────────────────────────

// ListModels lists installed models per node. Read-only and idempotent.
func (r *Router) ListModels(ctx context.Context) map[string][]domain.ModelInfo {
	snapshot := r.registry.Snapshot()
	out := make(map[string][]domain.ModelInfo, len(snapshot))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range snapshot {
		if !node.Healthy {
			continue
		}
		wg.Add(1)
		go func(n *domain.Node) {
			defer wg.Done()
			models, err := r.client.Tags(ctx, n)
			if err != nil {
				return
			}
			mu.Lock()
			out[n.ID] = models
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return out
}

// ClusterStats summarizes the fleet from one consistent snapshot.
func (r *Router) ClusterStats() domain.ClusterStats {
	snapshot := r.registry.Snapshot()
	stats := domain.ClusterStats{PerNode: make(map[string]domain.NodeStatsView, len(snapshot))}

	for _, n := range snapshot {
		stats.NodesTotal++
		if n.Healthy {
			stats.NodesHealthy++
		}
		switch n.Class {
		case domain.ClassGPU:
			stats.GPUNodes++
		case domain.ClassCPU:
			stats.CPUNodes++
		}
		rs := r.tracker.Stats(n.ID)
		stats.PerNode[n.ID] = domain.NodeStatsView{
			Healthy:     n.Healthy,
			Class:       n.Class,
			InFlight:    r.sched.InFlight(n.ID),
			Total:       rs.Total,
			Successes:   rs.Successes,
			Failures:    rs.Failures,
			Timeouts:    rs.Timeouts,
			SuccessRate: rs.SuccessRate,
			LatencyMean: rs.LatencyMean,
		}
	}

	metrics.NodesTotal.Set(float64(stats.NodesTotal))
	metrics.NodesHealthy.Set(float64(stats.NodesHealthy))
	return stats
}

// NodeResources returns the per-node resource view.
func (r *Router) NodeResources() []domain.NodeResourceView {
	snapshot := r.registry.Snapshot()
	out := make([]domain.NodeResourceView, 0, len(snapshot))
	for _, n := range snapshot {
		out = append(out, domain.NodeResourceView{
			ID:             n.ID,
			Class:          n.Class,
			Healthy:        n.Healthy,
			InFlight:       r.sched.InFlight(n.ID),
			VRAMTotalBytes: n.VRAMTotalBytes,
			VRAMFreeBytes:  n.VRAMFreeBytes,
			RAMTotalBytes:  n.RAMTotalBytes,
			RAMFreeBytes:   n.RAMFreeBytes,
			LoadedModels:   n.LoadedModels,
		})
	}
	return out
}

// ─── Request Lifecycle ──────────────────────────────────────────────────────

func (r *Router) normalize(req *domain.Request) *domain.Request {
	c := *req
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Priority = domain.ClampPriority(c.Priority)
	return &c
}

// admit acquires a scheduler permit, translating failures into the
// public error taxonomy.
func (r *Router) admit(ctx context.Context, req *domain.Request, decision *domain.RouteDecision) (domain.Permit, error) {
	if req.Model == "" {
		decision.Reason = "missing model"
		return nil, fmt.Errorf("%w: missing model", domain.ErrBadRequest)
	}
	if r.registry.Len() == 0 {
		decision.Reason = "empty node set"
		return nil, domain.ErrNodeUnreachable
	}

	permit, err := r.sched.Acquire(ctx, req.Priority, req.Mode)
	if err != nil {
		if errors.Is(err, domain.ErrOverloaded) {
			metrics.Overloads.Inc()
			decision.Reason = "queue soft cap exceeded"
		} else {
			decision.Reason = "canceled while waiting for permit"
		}
		return nil, err
	}
	return permit, nil
}

// attemptLoop walks the ordered candidate list, executing `call` against
// each node and failing over per the failure-reporting policy. When the
// list is exhausted after an OOM, it steps the fallback chain and
// rebuilds the candidates for the smaller model.
func (r *Router) attemptLoop(ctx context.Context, req *domain.Request, permit domain.Permit, decision *domain.RouteDecision, call func(context.Context, context.CancelFunc, *domain.Node, []byte) error) error {
	model := req.Model
	var attempts []domain.Attempt
	oomSeen := false

	for {
		candidates, err := r.candidatesFor(req, model)
		if err != nil {
			decision.Reason = err.Error()
			decision.CandidatesTried = attempts
			return err
		}

		if len(candidates) == 0 {
			decision.CandidatesTried = attempts
			if len(attempts) == 0 {
				decision.Reason = "no healthy node fits " + model
				return domain.ErrNodeUnreachable
			}
		}

		for _, node := range candidates {
			if err := ctx.Err(); err != nil {
				decision.CandidatesTried = attempts
				decision.Reason = "caller deadline or cancellation"
				if errors.Is(err, context.DeadlineExceeded) {
					return domain.ErrDeadlineExceeded
				}
				return domain.ErrCanceled
			}

			if !permit.Bind(node.ID) {
				continue // node reached its cap since selection
			}
			metrics.NodeInFlight.WithLabelValues(node.ID).Inc()

			body, berr := buildBody(req, model)
			if berr != nil {
				permit.Unbind(node.ID)
				metrics.NodeInFlight.WithLabelValues(node.ID).Dec()
				decision.CandidatesTried = attempts
				decision.Reason = "undecodable payload"
				return fmt.Errorf("%w: %v", domain.ErrBadRequest, berr)
			}

			attemptCtx, cancel := r.attemptContext(ctx, req)
			start := time.Now()
			err := call(attemptCtx, cancel, node, body)

			if err == nil {
				latency := time.Since(start)
				if !req.Streaming {
					// Streams keep their attempt context alive and record
					// their outcome when they terminate.
					cancel()
					r.tracker.RecordSuccess(node.ID, latency)
					permit.Unbind(node.ID)
					metrics.NodeInFlight.WithLabelValues(node.ID).Dec()
				}
				attempts = append(attempts, domain.Attempt{NodeID: node.ID, Outcome: "ok", Latency: latency})
				decision.SelectedNodeID = node.ID
				decision.ModelUsed = model
				decision.FallbackApplied = model != req.Model
				decision.CandidatesTried = attempts
				decision.Reason = fmt.Sprintf("selected under %s", req.Mode)
				metrics.AttemptsTotal.WithLabelValues(node.ID, "ok").Inc()
				metrics.RequestLatency.WithLabelValues(model, req.Mode.String(), "ok").Observe(latency.Seconds())
				return nil
			}

			cancel()
			permit.Unbind(node.ID)
			metrics.NodeInFlight.WithLabelValues(node.ID).Dec()

			ae := asAttemptError(node.ID, err)
			attempts = append(attempts, domain.Attempt{NodeID: node.ID, Outcome: string(ae.Kind), Latency: ae.Latency})
			metrics.AttemptsTotal.WithLabelValues(node.ID, string(ae.Kind)).Inc()

			if ae.Kind != domain.FailCanceled {
				r.tracker.RecordFailure(node.ID, ae.Kind, ae.Latency)
			}
			switch ae.Kind {
			case domain.FailUnreachable:
				r.markUnhealthy(node.ID)
			case domain.FailOOM:
				oomSeen = true
			}

			if !ae.Kind.Retryable() {
				decision.CandidatesTried = attempts
				decision.Reason = string(ae.Kind)
				if ae.Kind == domain.FailBadRequest {
					return fmt.Errorf("%w: %v", domain.ErrBadRequest, ae)
				}
				return domain.ErrCanceled
			}

			log.Printf("[router] attempt on %s failed (%s) — failing over", node.ID, ae.Kind)
			metrics.FailoversTotal.Inc()
		}

		// Candidates for this model are exhausted. Walk the fallback
		// chain when OOM was observed; the model change may revisit nodes.
		if oomSeen {
			if next, ok := r.catalog.FallbackAfter(model, req.TaskKind); ok {
				log.Printf("[router] falling back %s → %s after OOM", model, next)
				metrics.FallbacksTotal.WithLabelValues(model, next).Inc()
				decision.FallbackApplied = true
				model = next
				oomSeen = false
				continue
			}
			if decision.FallbackApplied {
				decision.CandidatesTried = attempts
				decision.ModelUsed = model
				decision.Reason = "fallback chain exhausted"
				return &domain.AllCandidatesError{Attempts: attempts, Decision: *decision, FallbackExhausted: true}
			}
		}

		decision.CandidatesTried = attempts
		decision.Reason = "all candidates failed"
		return &domain.AllCandidatesError{Attempts: attempts, Decision: *decision}
	}
}

// candidatesFor resolves the ordered candidate list, honoring pinning.
func (r *Router) candidatesFor(req *domain.Request, model string) ([]*domain.Node, error) {
	if pin := req.Constraints.PinNodeID; pin != "" {
		node, ok := r.registry.Get(pin)
		if !ok || !node.Healthy {
			// No silent fallback from an explicit pin.
			return nil, fmt.Errorf("pinned node %s: %w", pin, domain.ErrNodeUnreachable)
		}
		if ok, _ := r.catalog.Fits(model, node); !ok {
			return nil, fmt.Errorf("pinned node %s cannot fit %s: %w", pin, model, domain.ErrModelNotFound)
		}
		return []*domain.Node{node}, nil
	}
	return r.sched.Candidates(req, model, r.registry.Snapshot()), nil
}

func (r *Router) attemptContext(ctx context.Context, req *domain.Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	// The backend client applies its own per-attempt default.
	return context.WithCancel(ctx)
}

func (r *Router) markUnhealthy(id string) {
	type healthSetter interface{ SetHealthy(string, bool) bool }
	if hs, ok := r.registry.(healthSetter); ok {
		hs.SetHealthy(id, false)
		return
	}
	r.registry.Update(id, func(n *domain.Node) { n.Healthy = false })
}

// buildBody injects model and stream into the caller's opaque payload.
func buildBody(req *domain.Request, model string) ([]byte, error) {
	body := map[string]any{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	body["model"] = model
	body["stream"] = req.Streaming
	return json.Marshal(body)
}

func asAttemptError(nodeID string, err error) *domain.AttemptError {
	var ae *domain.AttemptError
	if errors.As(err, &ae) {
		return ae
	}
	kind := domain.FailUnreachable
	switch {
	case errors.Is(err, context.Canceled):
		kind = domain.FailCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.FailTimeout
	}
	return &domain.AttemptError{NodeID: nodeID, Kind: kind, Err: err}
}
