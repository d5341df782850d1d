package queue

import (
	"time"

	"github.com/osvaldoandrade/fnbay/internal/config"
)

// OptionsFromConfig maps the queue section of cfg to broker options.
func OptionsFromConfig(cfg config.Config) Options {
	q := cfg.Queue
	return Options{
		Prefix:       q.Prefix,
		Visibility:   time.Duration(q.VisibilitySeconds) * time.Second,
		RetryDelay:   time.Duration(q.RetryDelayMS) * time.Millisecond,
		BackoffBase:  time.Duration(q.BackoffBaseMS) * time.Millisecond,
		BackoffMax:   time.Duration(q.BackoffMaxMS) * time.Millisecond,
		MaxAttempts:  q.MaxAttempts,
		PollInterval: time.Duration(q.PollIntervalMS) * time.Millisecond,
	}
}
