// Package kv keeps invocation records next to every other record in Redis.
package kv

import (
	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/kv"
	"github.com/osvaldoandrade/fnbay/internal/plugins/invocations"
	redisdriver "github.com/osvaldoandrade/fnbay/internal/plugins/persistence/redis"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

func init() {
	registry.RegisterInvocations("kv", NewFromConfig)
}

func NewFromConfig(cfg config.Config) (invocations.Store, error) {
	client, err := redisdriver.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return kv.NewStoreWithClient(client), nil
}
