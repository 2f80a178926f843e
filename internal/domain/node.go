// Package domain holds the pure types shared across the fleet router.
// A Node is a locally-hosted inference backend discovered on the network;
// infrastructure packages update it, the scheduler and router consume it.
package domain

import (
	"fmt"
	"time"
)

// NodeClass categorizes a backend's compute hardware.
type NodeClass string

const (
	ClassGPU     NodeClass = "gpu"
	ClassCPU     NodeClass = "cpu"
	ClassUnknown NodeClass = "unknown"
)

// Address locates a backend on the network.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns the host:port form used as the canonical node ID.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// URL returns the HTTP base URL for the backend.
func (a Address) URL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// LoadedModel is a model currently resident in a backend's memory.
type LoadedModel struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	VRAMBytes int64     `json:"vram_bytes"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ModelInfo describes a model installed on a backend (from its tags listing).
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// Node is one inference backend in the fleet.
//
// Nodes are created by discovery, refreshed by the monitor, and read by
// the scheduler through registry snapshots. Snapshot values are immutable;
// all mutation goes through registry.Update which replaces the stored copy.
type Node struct {
	ID      string    `json:"id"`
	Address Address   `json:"address"`
	Class   NodeClass `json:"class"`

	Healthy     bool      `json:"healthy"`
	LastProbeAt time.Time `json:"last_probe_at"`
	UptimeStart time.Time `json:"uptime_start_at"`

	LoadedModels []LoadedModel `json:"loaded_models"`

	// Memory figures as last reported. Zero total means "unknown" —
	// fit checks must not exclude a node on unknown memory alone.
	VRAMTotalBytes int64 `json:"vram_total_bytes"`
	VRAMFreeBytes  int64 `json:"vram_free_bytes"`
	RAMTotalBytes  int64 `json:"ram_total_bytes"`
	RAMFreeBytes   int64 `json:"ram_free_bytes"`

	// MaxParallel is the backend's reported request parallelism.
	// Zero means unreported; the scheduler falls back to its default cap.
	MaxParallel int `json:"max_parallel,omitempty"`

	// InFlight is not populated by the registry or the scheduler; the
	// live per-node count is kept by the scheduler (Scheduler.InFlight).
	InFlight int `json:"in_flight"`

	// Local marks a backend running on the same host as the router.
	Local bool `json:"local,omitempty"`
}

// IsGPU reports whether the node is GPU-class.
func (n *Node) IsGPU() bool { return n.Class == ClassGPU }

// Uptime returns how long the node has been continuously known-healthy.
func (n *Node) Uptime(now time.Time) time.Duration {
	if n.UptimeStart.IsZero() {
		return 0
	}
	return now.Sub(n.UptimeStart)
}

// HasLoaded reports whether the named model is resident on the node.
func (n *Node) HasLoaded(model string) bool {
	for _, m := range n.LoadedModels {
		if m.Name == model {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Registry updates clone before mutating so
// snapshot readers never observe torn state.
func (n *Node) Clone() *Node {
	c := *n
	if n.LoadedModels != nil {
		c.LoadedModels = make([]LoadedModel, len(n.LoadedModels))
		copy(c.LoadedModels, n.LoadedModels)
	}
	return &c
}

// NodeResourceView is the per-node resource summary returned by the router.
type NodeResourceView struct {
	ID             string        `json:"id"`
	Class          NodeClass     `json:"class"`
	Healthy        bool          `json:"healthy"`
	InFlight       int           `json:"in_flight"`
	VRAMTotalBytes int64         `json:"vram_total_bytes"`
	VRAMFreeBytes  int64         `json:"vram_free_bytes"`
	RAMTotalBytes  int64         `json:"ram_total_bytes"`
	RAMFreeBytes   int64         `json:"ram_free_bytes"`
	LoadedModels   []LoadedModel `json:"loaded_models"`
}

// ClusterStats summarizes the whole fleet.
type ClusterStats struct {
	NodesTotal   int                      `json:"nodes_total"`
	NodesHealthy int                      `json:"nodes_healthy"`
	GPUNodes     int                      `json:"gpu_nodes"`
	CPUNodes     int                      `json:"cpu_nodes"`
	PerNode      map[string]NodeStatsView `json:"per_node_stats"`
}

// NodeStatsView pairs a node's reliability summary with its live state.
type NodeStatsView struct {
	Healthy     bool          `json:"healthy"`
	Class       NodeClass     `json:"class"`
	InFlight    int           `json:"in_flight"`
	Total       int64         `json:"total"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	Timeouts    int64         `json:"timeouts"`
	SuccessRate float64       `json:"success_rate"`
	LatencyMean time.Duration `json:"latency_mean"`
}
