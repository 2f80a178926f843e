package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
	"github.com/fleetllm/fleet/internal/infra/registry"
)

// ═══════════════════════════════════════════════════════════════════════════
// Discovery Tests
// ═══════════════════════════════════════════════════════════════════════════

// scriptedProber answers Tags per address, flipping behavior on demand.
type scriptedProber struct {
	down map[string]bool
}

func (p *scriptedProber) Tags(ctx context.Context, node *domain.Node) ([]domain.ModelInfo, error) {
	if p.down[node.ID] {
		return nil, &domain.AttemptError{NodeID: node.ID, Kind: domain.FailUnreachable, Err: errors.New("connection refused")}
	}
	return []domain.ModelInfo{{Name: "phi3"}}, nil
}

func (p *scriptedProber) Running(ctx context.Context, node *domain.Node) ([]domain.LoadedModel, error) {
	return nil, nil
}

// fixedInflight pins one node's in-flight count.
type fixedInflight map[string]int

func (f fixedInflight) InFlight(id string) int { return f[id] }

func newTestDiscovery(t *testing.T, prober *scriptedProber, inflight inflightSource) (*Discovery, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	d := New(Config{
		Seeds:           []string{"10.0.0.1:11434"},
		ScanLocalSubnet: false,
		ProbeTimeout:    100 * time.Millisecond,
		Interval:        time.Hour, // ticks driven manually
		GraceFailures:   3,
	}, prober, reg, inflight, nil)
	return d, reg
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Address
		wantErr bool
	}{
		{"10.0.0.1:11434", domain.Address{Host: "10.0.0.1", Port: 11434}, false},
		{" host.local:8080 ", domain.Address{Host: "host.local", Port: 8080}, false},
		{"no-port", domain.Address{}, true},
		{"host:notaport", domain.Address{}, true},
		{"host:0", domain.Address{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestSeedRegistration(t *testing.T) {
	d, reg := newTestDiscovery(t, &scriptedProber{}, nil)
	d.startupPass(context.Background())

	n, ok := reg.Get("10.0.0.1:11434")
	if !ok {
		t.Fatal("seed not registered")
	}
	if !n.Healthy {
		t.Error("freshly probed node not marked healthy")
	}
}

func TestGraceRemoval(t *testing.T) {
	prober := &scriptedProber{down: map[string]bool{}}
	d, reg := newTestDiscovery(t, prober, nil)
	ctx := context.Background()
	d.startupPass(ctx)

	prober.down["10.0.0.1:11434"] = true
	d.refresh(ctx)
	d.refresh(ctx)
	if _, ok := reg.Get("10.0.0.1:11434"); !ok {
		t.Fatal("node removed before grace window elapsed")
	}
	d.refresh(ctx)
	if _, ok := reg.Get("10.0.0.1:11434"); ok {
		t.Fatal("node not removed after grace_failures misses")
	}
}

func TestNodeReappearsAfterRemoval(t *testing.T) {
	prober := &scriptedProber{down: map[string]bool{}}
	d, reg := newTestDiscovery(t, prober, nil)
	ctx := context.Background()
	d.startupPass(ctx)

	prober.down["10.0.0.1:11434"] = true
	for i := 0; i < 3; i++ {
		d.refresh(ctx)
	}
	prober.down["10.0.0.1:11434"] = false
	d.refresh(ctx)

	if _, ok := reg.Get("10.0.0.1:11434"); !ok {
		t.Fatal("seed did not reappear once reachable again")
	}
}

func TestInFlightNodeSurvivesGrace(t *testing.T) {
	prober := &scriptedProber{down: map[string]bool{}}
	d, reg := newTestDiscovery(t, prober, fixedInflight{"10.0.0.1:11434": 1})
	ctx := context.Background()
	d.startupPass(ctx)

	prober.down["10.0.0.1:11434"] = true
	for i := 0; i < 6; i++ {
		d.refresh(ctx)
	}
	if _, ok := reg.Get("10.0.0.1:11434"); !ok {
		t.Fatal("node with in-flight requests was removed")
	}
}

func TestMissCounterResetsOnRecovery(t *testing.T) {
	prober := &scriptedProber{down: map[string]bool{}}
	d, reg := newTestDiscovery(t, prober, nil)
	ctx := context.Background()
	d.startupPass(ctx)

	prober.down["10.0.0.1:11434"] = true
	d.refresh(ctx)
	d.refresh(ctx)
	prober.down["10.0.0.1:11434"] = false
	d.refresh(ctx) // recovery resets the miss counter
	prober.down["10.0.0.1:11434"] = true
	d.refresh(ctx)
	d.refresh(ctx)

	if _, ok := reg.Get("10.0.0.1:11434"); !ok {
		t.Fatal("miss counter not reset by a successful probe")
	}
}

func TestEnvSeeds(t *testing.T) {
	t.Setenv("FLEET_SEEDS", "10.1.0.1:11434, 10.1.0.2:11434 ,")
	d := New(Config{ScanLocalSubnet: false}, &scriptedProber{}, registry.New(), nil, nil)
	if len(d.seeds) != 2 {
		t.Fatalf("seeds = %d, want 2 from environment", len(d.seeds))
	}
}

func TestLoopbackMarkedLocal(t *testing.T) {
	prober := &scriptedProber{}
	reg := registry.New()
	d := New(Config{Seeds: []string{"127.0.0.1:11434"}, ScanLocalSubnet: false}, prober, reg, nil, nil)
	d.startupPass(context.Background())

	n, ok := reg.Get("127.0.0.1:11434")
	if !ok {
		t.Fatal("loopback seed not registered")
	}
	if !n.Local {
		t.Error("loopback node not marked local")
	}
}
