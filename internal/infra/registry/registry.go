// Package registry holds the authoritative set of known inference nodes.
//
// Writes are serialized behind a mutex; every stored *domain.Node is
// treated as immutable once published. Update clones before mutating and
// swaps the pointer, so Snapshot readers never observe torn state.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// Registry is the copy-on-write node set.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*domain.Node
	now   func() time.Time // injectable clock for testing
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes: make(map[string]*domain.Node),
		now:   time.Now,
	}
}

// Upsert merges discovery-derived fields into the stored node, preserving
// live state (healthy flag, loaded models, memory) on an existing entry.
func (r *Registry) Upsert(node *domain.Node) {
	if node.ID == "" {
		node.ID = node.Address.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[node.ID]
	if !ok {
		fresh := node.Clone()
		if fresh.UptimeStart.IsZero() {
			fresh.UptimeStart = r.now()
		}
		if fresh.LastProbeAt.IsZero() {
			fresh.LastProbeAt = r.now()
		}
		r.nodes[node.ID] = fresh
		return
	}

	merged := existing.Clone()
	merged.Address = node.Address
	if node.Class != domain.ClassUnknown && node.Class != "" {
		merged.Class = node.Class
	}
	if node.MaxParallel > 0 {
		merged.MaxParallel = node.MaxParallel
	}
	merged.Local = merged.Local || node.Local
	merged.LastProbeAt = r.now()
	r.nodes[node.ID] = merged
}

// Remove deletes a node. Callers enforce the discovery grace window and
// the never-remove-mid-request rule before calling.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	return true
}

// Get returns the stored copy of a node.
func (r *Registry) Get(id string) (*domain.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Snapshot returns a consistent view of all nodes, sorted by ID.
// The returned nodes are the published immutable copies.
func (r *Registry) Snapshot() []*domain.Node {
	r.mu.RLock()
	out := make([]*domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update atomically applies patch to a clone of the stored node and
// publishes the result. Returns false when the node is unknown.
func (r *Registry) Update(id string, patch func(n *domain.Node)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[id]
	if !ok {
		return false
	}
	next := existing.Clone()
	patch(next)
	r.nodes[id] = next
	return true
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// SetHealthy flips a node's healthy flag, resetting the uptime anchor on
// recovery so RELIABLE ranking sees continuous-healthy time.
func (r *Registry) SetHealthy(id string, healthy bool) bool {
	return r.Update(id, func(n *domain.Node) {
		if healthy && !n.Healthy {
			n.UptimeStart = r.now()
		}
		n.Healthy = healthy
	})
}
