package redis

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/kv"
	"github.com/osvaldoandrade/fnbay/internal/plugins/persistence"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

func init() {
	registry.RegisterPersistence("redis", NewFromConfig)
}

func NewFromConfig(cfg config.Config) (persistence.Provider, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return kv.NewStoreWithClient(client), nil
}

// NewClient builds a client for the configured Redis (or Kvrocks) server.
// The queue broker uses its own client built here.
func NewClient(cfg config.Config) (*goredis.Client, error) {
	rc := cfg.Plugins.Persistence.Redis
	if rc.Addr == "" {
		return nil, fmt.Errorf("plugins.persistence.redis.addr is required")
	}
	return goredis.NewClient(&goredis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     64,
		MinIdleConns: 8,
	}), nil
}
