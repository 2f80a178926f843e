// Package monitor refreshes each node's health and resource state.
//
// On every interval it calls the backend's tags and running-models
// endpoints, updates loaded models and memory figures, and flips the
// healthy flag. Probes use short independent timeouts and per-node
// jitter so a large fleet never probes in lockstep, and the scheduler
// keeps reading registry snapshots — a probe never blocks selection.
package monitor

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// prober is the slice of the backend client the monitor needs.
type prober interface {
	Tags(ctx context.Context, node *domain.Node) ([]domain.ModelInfo, error)
	Running(ctx context.Context, node *domain.Node) ([]domain.LoadedModel, error)
}

// healthRegistry is the registry surface the monitor writes through.
type healthRegistry interface {
	Snapshot() []*domain.Node
	Update(id string, patch func(n *domain.Node)) bool
	SetHealthy(id string, healthy bool) bool
}

// Config configures the monitor.
type Config struct {
	// Interval is the refresh period.
	Interval time.Duration
	// ProbeTimeout bounds each tags/ps call.
	ProbeTimeout time.Duration
	// JitterFraction spreads probes by up to this share of the interval.
	JitterFraction float64
}

// DefaultConfig returns production monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       120 * time.Second,
		ProbeTimeout:   10 * time.Second,
		JitterFraction: 0.10,
	}
}

// Monitor owns the periodic health/resource refresh loop.
type Monitor struct {
	cfg      Config
	client   prober
	registry healthRegistry
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// New creates a monitor.
func New(cfg Config, client prober, reg healthRegistry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 120 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction > 0.5 {
		cfg.JitterFraction = 0.10
	}
	return &Monitor{
		cfg:      cfg,
		client:   client,
		registry: reg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the refresh loop. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	// Refresh immediately so freshly discovered nodes get class and
	// memory data before the first full interval elapses.
	m.RefreshAll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

// RefreshAll probes every known node concurrently, each delayed by its
// own jitter slice.
func (m *Monitor) RefreshAll(ctx context.Context) {
	snapshot := m.registry.Snapshot()

	var wg sync.WaitGroup
	for _, node := range snapshot {
		wg.Add(1)
		go func(n *domain.Node) {
			defer wg.Done()
			if d := m.jitter(); d > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
			}
			m.refreshNode(ctx, n)
		}(node)
	}
	wg.Wait()
}

func (m *Monitor) jitter() time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	max := float64(m.cfg.Interval) * m.cfg.JitterFraction
	return time.Duration(m.rng.Float64() * max)
}

// refreshNode probes one node and applies the result to the registry.
func (m *Monitor) refreshNode(ctx context.Context, node *domain.Node) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if _, err := m.client.Tags(probeCtx, node); err != nil {
		if node.Healthy {
			log.Printf("[monitor] node %s unhealthy: %v", node.ID, err)
		}
		m.registry.SetHealthy(node.ID, false)
		m.registry.Update(node.ID, func(n *domain.Node) { n.LastProbeAt = time.Now() })
		return
	}

	loaded, err := m.client.Running(probeCtx, node)
	if err != nil {
		// Tags answered, ps did not: the node serves but reports no
		// resource detail. Keep previous memory figures.
		loaded = nil
	}

	wasHealthy := node.Healthy
	m.registry.SetHealthy(node.ID, true)
	m.registry.Update(node.ID, func(n *domain.Node) {
		n.LastProbeAt = time.Now()
		if loaded != nil {
			n.LoadedModels = loaded
			applyMemory(n, loaded)
		}
	})
	if !wasHealthy {
		log.Printf("[monitor] node %s recovered", node.ID)
	}
}

// applyMemory derives class and memory deltas from the loaded-model
// report. Backends that expose no memory keep their previous figures
// with totals left at zero, meaning "unknown".
func applyMemory(n *domain.Node, loaded []domain.LoadedModel) {
	var vramUsed int64
	for _, lm := range loaded {
		vramUsed += lm.VRAMBytes
	}

	// A node placing model weights in VRAM is GPU-class; one serving
	// models with zero VRAM residency is CPU-class. No models loaded
	// tells us nothing — the class stays as it was.
	if vramUsed > 0 {
		n.Class = domain.ClassGPU
	} else if len(loaded) > 0 && (n.Class == domain.ClassUnknown || n.Class == "") {
		n.Class = domain.ClassCPU
	}

	if n.VRAMTotalBytes > 0 {
		free := n.VRAMTotalBytes - vramUsed
		if free < 0 {
			free = 0
		}
		n.VRAMFreeBytes = free
	}
}
