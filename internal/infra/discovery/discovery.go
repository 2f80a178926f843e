// Package discovery populates and refreshes the node registry.
//
// Sources, in order of precedence:
//  1. Operator-supplied seed list
//  2. Environment seeds (FLEET_SEEDS, comma-separated host:port)
//  3. The SQLite node cache from previous runs
//  4. A one-shot local-subnet probe
//
// Explicit seeds are probed forever; the subnet sweep runs once at
// startup and is suppressed after the first full pass. A node missing
// for grace_failures consecutive probes is removed — unless it still
// has requests in flight.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetllm/fleet/internal/domain"
)

// prober is the slice of the backend client discovery needs.
type prober interface {
	Tags(ctx context.Context, node *domain.Node) ([]domain.ModelInfo, error)
	Running(ctx context.Context, node *domain.Node) ([]domain.LoadedModel, error)
}

// inflightSource reports live per-node in-flight counts; discovery never
// deletes a node that is executing requests.
type inflightSource interface {
	InFlight(nodeID string) int
}

// NodeCache persists sightings across restarts. Optional.
type NodeCache interface {
	UpsertNode(n *domain.Node, seenAt time.Time) error
	DeleteNode(id string) error
	ListNodes(maxAge time.Duration) ([]*domain.Node, error)
}

// Config configures discovery.
type Config struct {
	// Seeds are operator-supplied backend addresses (host:port).
	Seeds []string
	// ScanLocalSubnet enables the one-shot IPv4 subnet sweep.
	ScanLocalSubnet bool
	// ProbeTimeout bounds each tags probe.
	ProbeTimeout time.Duration
	// Interval is the re-probe period for known nodes and seeds.
	Interval time.Duration
	// GraceFailures is how many consecutive missed probes remove a node.
	GraceFailures int
	// SubnetPort is the backend port probed during the sweep.
	SubnetPort int
	// CacheMaxAge bounds how stale a cached sighting may be to reseed.
	CacheMaxAge time.Duration
}

// DefaultConfig returns production discovery defaults.
func DefaultConfig() Config {
	return Config{
		ScanLocalSubnet: true,
		ProbeTimeout:    2 * time.Second,
		Interval:        10 * time.Second,
		GraceFailures:   3,
		SubnetPort:      11434,
		CacheMaxAge:     7 * 24 * time.Hour,
	}
}

// Discovery keeps the registry in sync with the network.
type Discovery struct {
	cfg      Config
	client   prober
	registry domain.Registry
	inflight inflightSource
	cache    NodeCache // may be nil

	// seeds survive removal: they are re-probed forever.
	seeds []domain.Address

	// misses counts consecutive failed probes per node.
	misses map[string]int

	sweepDone bool
}

// New creates a discovery service. cache and inflight may be nil.
func New(cfg Config, client prober, reg domain.Registry, inflight inflightSource, cache NodeCache) *Discovery {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.GraceFailures <= 0 {
		cfg.GraceFailures = 3
	}
	if cfg.SubnetPort <= 0 {
		cfg.SubnetPort = 11434
	}

	d := &Discovery{
		cfg:      cfg,
		client:   client,
		registry: reg,
		inflight: inflight,
		cache:    cache,
		misses:   make(map[string]int),
	}

	for _, s := range cfg.Seeds {
		if addr, err := ParseAddress(s); err == nil {
			d.seeds = append(d.seeds, addr)
		} else {
			log.Printf("[discovery] skipping bad seed %q: %v", s, err)
		}
	}
	for _, s := range envSeeds() {
		if addr, err := ParseAddress(s); err == nil {
			d.seeds = append(d.seeds, addr)
		}
	}
	return d
}

// ParseAddress parses "host:port" into a domain.Address.
func ParseAddress(s string) (domain.Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return domain.Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return domain.Address{}, fmt.Errorf("parse address %q: bad port", s)
	}
	return domain.Address{Host: host, Port: port}, nil
}

func envSeeds() []string {
	raw := os.Getenv("FLEET_SEEDS")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Run performs the startup pass and then refreshes on the interval.
// Call in a goroutine; returns when ctx ends.
func (d *Discovery) Run(ctx context.Context) {
	d.startupPass(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

// startupPass probes seeds, the cache, and optionally the local subnet.
func (d *Discovery) startupPass(ctx context.Context) {
	for _, addr := range d.seeds {
		d.probeAddress(ctx, addr, true)
	}

	if d.cache != nil {
		cached, err := d.cache.ListNodes(d.cfg.CacheMaxAge)
		if err != nil {
			log.Printf("[discovery] node cache unavailable: %v", err)
		}
		for _, n := range cached {
			d.probeAddress(ctx, n.Address, false)
		}
	}

	if d.cfg.ScanLocalSubnet && !d.sweepDone {
		found := d.sweepLocalSubnets(ctx)
		d.sweepDone = true
		log.Printf("[discovery] subnet sweep complete: %d node(s) found", found)
	}
}

// refresh re-probes seeds and every known node, applying the grace rule.
func (d *Discovery) refresh(ctx context.Context) {
	seen := make(map[string]bool)
	for _, addr := range d.seeds {
		seen[addr.String()] = true
		d.probeAddress(ctx, addr, true)
	}
	for _, n := range d.registry.Snapshot() {
		if seen[n.ID] {
			continue
		}
		d.probeAddress(ctx, n.Address, false)
	}
}

// probeAddress tries Tags on one address, registering or aging the node.
func (d *Discovery) probeAddress(ctx context.Context, addr domain.Address, isSeed bool) {
	id := addr.String()

	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	node := &domain.Node{ID: id, Address: addr, Class: domain.ClassUnknown, Local: isLoopback(addr.Host)}
	if _, err := d.client.Tags(probeCtx, node); err != nil {
		d.recordMiss(id, isSeed)
		return
	}

	d.misses[id] = 0
	_, existed := d.registry.Get(id)
	d.registry.Upsert(node)
	if !existed {
		// New sighting: mark routable immediately; the monitor refines
		// class and memory on its next pass.
		d.registry.Update(id, func(n *domain.Node) { n.Healthy = true })
		log.Printf("[discovery] registered node %s", id)
	}
	if d.cache != nil {
		if err := d.cache.UpsertNode(node, time.Now()); err != nil {
			log.Printf("[discovery] cache write for %s failed: %v", id, err)
		}
	}
}

// recordMiss ages a node and removes it past the grace window.
// Seeds are never forgotten, only their registry entry is dropped.
func (d *Discovery) recordMiss(id string, isSeed bool) {
	if _, known := d.registry.Get(id); !known {
		return
	}
	d.misses[id]++
	if d.misses[id] < d.cfg.GraceFailures {
		return
	}
	if d.inflight != nil && d.inflight.InFlight(id) > 0 {
		// Never delete a node mid-request; retry next tick.
		return
	}
	if d.registry.Remove(id) {
		log.Printf("[discovery] removed node %s after %d missed probes", id, d.misses[id])
	}
	delete(d.misses, id)
	if d.cache != nil && !isSeed {
		if err := d.cache.DeleteNode(id); err != nil {
			log.Printf("[discovery] cache delete for %s failed: %v", id, err)
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ─── Subnet Sweep ───────────────────────────────────────────────────────────

// sweepLocalSubnets probes every address on attached /24 (or smaller)
// IPv4 networks. Probes fan out on a bounded errgroup so a sweep cannot
// exhaust sockets.
func (d *Discovery) sweepLocalSubnets(ctx context.Context) int {
	targets := localSubnetTargets(d.cfg.SubnetPort)
	if len(targets) == 0 {
		return 0
	}

	found := 0
	var g errgroup.Group
	g.SetLimit(64)
	results := make(chan domain.Address, len(targets))

	for _, addr := range targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
			defer cancel()
			node := &domain.Node{ID: addr.String(), Address: addr, Class: domain.ClassUnknown}
			if _, err := d.client.Tags(probeCtx, node); err == nil {
				results <- addr
			}
			return nil
		})
	}
	g.Wait()
	close(results)

	for addr := range results {
		d.probeAddress(ctx, addr, false)
		found++
	}
	return found
}

// localSubnetTargets enumerates probe targets on local broadcast domains.
// Networks wider than /24 are skipped — sweeping them is impolite.
func localSubnetTargets(port int) []domain.Address {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []domain.Address
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			if ones < 24 {
				continue
			}
			base := ip4.Mask(ipnet.Mask)
			hosts := 1 << (32 - ones)
			for host := 1; host < hosts-1; host++ {
				ip := net.IPv4(base[0], base[1], base[2], base[3]+byte(host))
				if ip.Equal(ip4) {
					continue
				}
				out = append(out, domain.Address{Host: ip.String(), Port: port})
			}
		}
	}
	return out
}
