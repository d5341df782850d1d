package queue

import (
	"testing"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.Queue.Prefix = "fb:test"
	cfg.Queue.VisibilitySeconds = 30
	cfg.Queue.RetryDelayMS = 500
	cfg.Queue.BackoffBaseMS = 100
	cfg.Queue.BackoffMaxMS = 2000
	cfg.Queue.MaxAttempts = 4
	cfg.Queue.PollIntervalMS = 20

	got := OptionsFromConfig(cfg)
	if got.Prefix != "fb:test" || got.Visibility != 30*time.Second || got.RetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected options %+v", got)
	}
	if got.BackoffBase != 100*time.Millisecond || got.BackoffMax != 2*time.Second || got.MaxAttempts != 4 || got.PollInterval != 20*time.Millisecond {
		t.Fatalf("unexpected options %+v", got)
	}
}
