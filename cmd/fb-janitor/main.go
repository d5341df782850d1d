package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/drivers"
	"github.com/osvaldoandrade/fnbay/internal/plugins/invocations"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

const (
	purgeBatch = 500
	leaseTTL   = 15 * time.Second
)

type leaseStore interface {
	Ping(ctx context.Context) error
	TryAcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetLeaseValue(ctx context.Context, key string) (string, error)
	ExtendLease(ctx context.Context, key string, ttl time.Duration) error
}

type janitor struct {
	cfg      config.Config
	leases   leaseStore
	records  invocations.Store
	registry *prometheus.Registry
	metrics  *observability.Metrics
	logger   *observability.Logger
	leaseVal string
	isLeader atomic.Bool
	now      func() time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	store, err := registry.NewPersistence(cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()
	records, err := registry.NewInvocations(cfg)
	if err != nil {
		panic(err)
	}
	defer records.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newJanitor(cfg, store, records, observability.NewLogger("fb-janitor")).run(ctx); err != nil {
		panic(err)
	}
}

func newJanitor(cfg config.Config, leases leaseStore, records invocations.Store, logger *observability.Logger) *janitor {
	reg := prometheus.NewRegistry()
	j := &janitor{
		cfg:      cfg,
		leases:   leases,
		records:  records,
		registry: reg,
		metrics:  observability.NewMetrics(reg),
		logger:   logger,
		leaseVal: uuid.NewString(),
		now:      time.Now,
	}
	j.isLeader.Store(!cfg.FBJanitor.LeaderElection.Enabled)
	return j
}

func (j *janitor) run(ctx context.Context) error {
	srv := &http.Server{Addr: j.cfg.FBJanitor.HTTP.Addr, Handler: j.routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			j.logger.Error(ctx, "http server stopped: "+err.Error())
		}
	}()
	defer srv.Shutdown(context.WithoutCancel(ctx))

	if j.cfg.FBJanitor.LeaderElection.Enabled {
		go j.leaderLoop(ctx)
	}
	ticker := time.NewTicker(time.Duration(max(1, j.cfg.FBJanitor.IntervalSeconds)) * time.Second)
	defer ticker.Stop()
	for {
		if j.isLeader.Load() {
			if _, err := j.sweep(ctx); err != nil {
				j.logger.Error(ctx, "invocation purge failed: "+err.Error())
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *janitor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(j.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := j.leases.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func (j *janitor) leaseKey() string {
	return "fb:janitor:leader:" + j.cfg.FBJanitor.LeaderElection.LeaseName
}

func (j *janitor) leaderLoop(ctx context.Context) {
	ticker := time.NewTicker(leaseTTL / 3)
	defer ticker.Stop()
	for {
		j.isLeader.Store(j.holdLease(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// holdLease acquires or renews the leader lease and reports whether this
// process holds it.
func (j *janitor) holdLease(ctx context.Context) bool {
	ok, err := j.leases.TryAcquireLease(ctx, j.leaseKey(), j.leaseVal, leaseTTL)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	curr, err := j.leases.GetLeaseValue(ctx, j.leaseKey())
	if err != nil && !errors.Is(err, redis.Nil) {
		return false
	}
	if curr != j.leaseVal {
		return false
	}
	return j.leases.ExtendLease(ctx, j.leaseKey(), leaseTTL) == nil
}

// sweep deletes invocation records older than the retention window.
func (j *janitor) sweep(ctx context.Context) (int, error) {
	retention := j.cfg.InvocationRetention()
	if retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-retention).UnixMilli()
	n, err := j.records.PurgeInvocations(ctx, cutoff, purgeBatch)
	j.metrics.AddPurged(int64(n))
	if err != nil {
		return n, err
	}
	if n > 0 {
		j.logger.Info(ctx, fmt.Sprintf("purged %d invocation records older than %s", n, retention))
	}
	return n, nil
}
