// Package none is the messaging driver for deployments without an event bus.
package none

import (
	"context"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/plugins/messaging"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

type Provider struct{}

func init() {
	registry.RegisterMessaging("none", NewFromConfig)
}

func NewFromConfig(config.Config) (messaging.Provider, error) {
	return Provider{}, nil
}

func (Provider) Close() error { return nil }

func (Provider) PublishDeploymentEvent(context.Context, api.DeploymentEvent) error { return nil }

func (Provider) PublishInvocationEvent(context.Context, api.InvocationEvent) error { return nil }

// ConsumeTopic blocks until ctx is done; nothing is ever delivered.
func (Provider) ConsumeTopic(ctx context.Context, _, _ string, _ func(messaging.Envelope) error) error {
	<-ctx.Done()
	return nil
}
