package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetllm/fleet/internal/api"
	"github.com/fleetllm/fleet/internal/domain"
	"github.com/fleetllm/fleet/internal/infra/backend"
	"github.com/fleetllm/fleet/internal/infra/catalog"
	"github.com/fleetllm/fleet/internal/infra/discovery"
	_ "github.com/fleetllm/fleet/internal/infra/metrics" // Register Prometheus metrics
	"github.com/fleetllm/fleet/internal/infra/monitor"
	"github.com/fleetllm/fleet/internal/infra/registry"
	"github.com/fleetllm/fleet/internal/infra/reliability"
	"github.com/fleetllm/fleet/internal/infra/scheduler"
	"github.com/fleetllm/fleet/internal/infra/store"
	"github.com/fleetllm/fleet/internal/router"
)

// Daemon is the fleet runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Registry  *registry.Registry
	Tracker   *reliability.Tracker
	Catalog   *catalog.Catalog
	Client    *backend.Client
	Scheduler *scheduler.Scheduler
	Router    *router.Router
	Discovery *discovery.Discovery
	Monitor   *monitor.Monitor
	Server    *api.Server
	Store     *store.DB // nil when disabled

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires a daemon from an explicit configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	setupLogging(cfg.Logging)

	d := &Daemon{Config: cfg}
	d.Registry = registry.New()

	d.Catalog = catalog.New(catalog.Config{
		ModelSizes:     cfg.Catalog.ModelSizes,
		FallbackChains: cfg.Catalog.FallbackChains,
		OOMPatterns:    cfg.Catalog.OOMPatterns,
		FitSlackBytes:  cfg.Catalog.FitSlackBytes,
	})

	d.Tracker = reliability.New(reliability.Config{
		RingSize:     100,
		WarmRequests: int64(cfg.Reliability.WarmRequests),
		Breaker:      reliability.DefaultBreakerConfig(),
	})

	d.Client = backend.New(backend.Config{
		ConnectTimeout:  time.Duration(cfg.Request.ConnectTimeoutMS) * time.Millisecond,
		GenerateTimeout: time.Duration(cfg.Request.TimeoutMS) * time.Millisecond,
		ProbeTimeout:    time.Duration(cfg.Monitor.TimeoutMS) * time.Millisecond,
	}, d.Catalog.LooksLikeOOM)

	d.Scheduler = scheduler.New(scheduler.Config{
		MaxInFlight:    cfg.Scheduler.MaxInFlight,
		PerNodeCap:     cfg.Scheduler.PerNodeCap,
		QueueSoftCap:   cfg.Scheduler.QueueSoftCap,
		MinSuccessRate: cfg.Reliability.MinSuccessRate,
		Weights:        weightsFromConfig(cfg.Routing),
	}, d.Tracker, d.Catalog)

	defaultMode, err := domain.ParseRoutingMode(cfg.Routing.DefaultMode)
	if err != nil {
		return nil, err
	}
	d.Router = router.New(router.Config{DefaultMode: defaultMode},
		d.Client, d.Registry, d.Tracker, d.Catalog, d.Scheduler)

	if cfg.Store.Enabled {
		db, err := store.Open(cfg.Store.Dir)
		if err != nil {
			// The cache is an optimization; run without it.
			log.Printf("[daemon] node cache unavailable: %v", err)
		} else {
			d.Store = db
		}
	}

	var cache discovery.NodeCache
	if d.Store != nil {
		cache = d.Store
	}
	d.Discovery = discovery.New(discovery.Config{
		Seeds:           cfg.Discovery.Seeds,
		ScanLocalSubnet: cfg.Discovery.ScanLocalSubnet,
		ProbeTimeout:    time.Duration(cfg.Discovery.TimeoutMS) * time.Millisecond,
		Interval:        time.Duration(cfg.Discovery.IntervalMS) * time.Millisecond,
		GraceFailures:   cfg.Discovery.GraceFailures,
		SubnetPort:      cfg.Discovery.SubnetPort,
	}, d.Client, d.Registry, d.Scheduler, cache)

	d.Monitor = monitor.New(monitor.Config{
		Interval:     time.Duration(cfg.Monitor.IntervalMS) * time.Millisecond,
		ProbeTimeout: time.Duration(cfg.Monitor.TimeoutMS) * time.Millisecond,
	}, d.Client, d.Registry)

	d.Server = api.NewServer(d.Router, d.Registry)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

func weightsFromConfig(cfg RoutingConfig) scheduler.Weights {
	w := scheduler.DefaultWeights()
	if cfg.WeightLoad > 0 {
		w.Load = cfg.WeightLoad
	}
	if cfg.WeightGPUBonus > 0 {
		w.GPUBonus = cfg.WeightGPUBonus
	}
	if cfg.WeightFreeVRAM > 0 {
		w.FreeVRAMRatio = cfg.WeightFreeVRAM
	}
	if cfg.WeightLocalBonus > 0 {
		w.LocalBonus = cfg.WeightLocalBonus
	}
	if cfg.WeightLatency > 0 {
		w.Latency = cfg.WeightLatency
	}
	if cfg.WeightFailurePenalty > 0 {
		w.FailurePenalty = cfg.WeightFailurePenalty
	}
	return w
}

// Serve runs discovery, the monitor, and the HTTP API until a signal or
// context cancellation stops them.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go d.Discovery.Run(ctx)
	go d.Monitor.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: d.Server.Handler(),
		// Generate responses stream for a long time; only bound the
		// handshake-side reads.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] fleet API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[daemon] received %s — shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[daemon] shutdown: %v", err)
	}
	cancel()
	if d.Store != nil {
		d.Store.Close()
	}
	return nil
}

// Stop cancels a running Serve.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}
