package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/kv"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	fakes "github.com/osvaldoandrade/fnbay/internal/testutil"
)

func janitorConfig() config.Config {
	var cfg config.Config
	cfg.FBJanitor.InvocationRetentionHrs = 72
	cfg.FBJanitor.IntervalSeconds = 1
	cfg.FBJanitor.LeaderElection.LeaseName = "fb-janitor"
	return cfg
}

func newTestJanitor(t *testing.T, cfg config.Config, records *fakes.FakeInvocations) (*janitor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewStore(mr.Addr(), "")
	t.Cleanup(func() { _ = store.Close() })
	return newJanitor(cfg, store, records, observability.NewLoggerWithWriter("fb-janitor", io.Discard)), mr
}

func TestSweepPurgesExpiredRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := &fakes.FakeInvocations{}
	ctx := context.Background()
	for i, age := range []time.Duration{time.Hour, 71 * time.Hour, 73 * time.Hour, 30 * 24 * time.Hour} {
		inv := api.Invocation{ID: string(rune('a' + i)), CreatedAtMS: now.Add(-age).UnixMilli()}
		if err := records.SaveInvocation(ctx, inv); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	j, _ := newTestJanitor(t, janitorConfig(), records)
	j.now = func() time.Time { return now }

	n, err := j.sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if left := records.Records(); len(left) != 2 {
		t.Fatalf("expected two recent records, got %d", len(left))
	}
	if got := testutil.ToFloat64(j.metrics.InvocationsPurged); got != 2 {
		t.Fatalf("purged counter = %v", got)
	}
}

func TestSweepPassesCutoffAndBatch(t *testing.T) {
	now := time.UnixMilli(1_000_000_000_000)
	var gotCutoff int64
	var gotBatch int
	records := &fakes.FakeInvocations{PurgeInvocationsFn: func(_ context.Context, cutoff int64, batch int) (int, error) {
		gotCutoff, gotBatch = cutoff, batch
		return 0, fakes.ErrInjected
	}}
	j, _ := newTestJanitor(t, janitorConfig(), records)
	j.now = func() time.Time { return now }
	if _, err := j.sweep(context.Background()); err == nil {
		t.Fatal("expected purge error")
	}
	if gotCutoff != now.Add(-72*time.Hour).UnixMilli() || gotBatch != purgeBatch {
		t.Fatalf("cutoff=%d batch=%d", gotCutoff, gotBatch)
	}
}

func TestSweepDisabledWithoutRetention(t *testing.T) {
	cfg := janitorConfig()
	cfg.FBJanitor.InvocationRetentionHrs = 0
	records := &fakes.FakeInvocations{PurgeInvocationsFn: func(context.Context, int64, int) (int, error) {
		t.Fatal("purge must not run")
		return 0, nil
	}}
	j, _ := newTestJanitor(t, cfg, records)
	if n, err := j.sweep(context.Background()); n != 0 || err != nil {
		t.Fatalf("sweep = %d, %v", n, err)
	}
}

func TestHoldLeaseSingleLeader(t *testing.T) {
	cfg := janitorConfig()
	cfg.FBJanitor.LeaderElection.Enabled = true
	first, mr := newTestJanitor(t, cfg, &fakes.FakeInvocations{})
	if first.isLeader.Load() {
		t.Fatal("leader election starts as follower")
	}
	store := kv.NewStore(mr.Addr(), "")
	t.Cleanup(func() { _ = store.Close() })
	second := newJanitor(cfg, store, &fakes.FakeInvocations{}, observability.NewLoggerWithWriter("fb-janitor", io.Discard))

	ctx := context.Background()
	if !first.holdLease(ctx) {
		t.Fatal("first janitor should acquire the lease")
	}
	if second.holdLease(ctx) {
		t.Fatal("second janitor must not lead while the lease is held")
	}
	if !first.holdLease(ctx) {
		t.Fatal("holder should renew its lease")
	}
	mr.FastForward(leaseTTL + time.Second)
	if !second.holdLease(ctx) {
		t.Fatal("expired lease should be taken over")
	}
	mr.Close()
	if second.holdLease(ctx) {
		t.Fatal("store outage must drop leadership")
	}
}

func TestRoutes(t *testing.T) {
	j, mr := newTestJanitor(t, janitorConfig(), &fakes.FakeInvocations{})
	h := j.routes()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, w.Code)
		}
	}
	mr.Close()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with store down status=%d", w.Code)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	cfg := janitorConfig()
	cfg.FBJanitor.HTTP.Addr = "127.0.0.1:0"
	swept := make(chan struct{}, 4)
	records := &fakes.FakeInvocations{PurgeInvocationsFn: func(context.Context, int64, int) (int, error) {
		swept <- struct{}{}
		return 0, nil
	}}
	j, _ := newTestJanitor(t, cfg, records)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.run(ctx) }()
	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("no sweep on start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
