package kafka

import (
	"context"
	"fmt"

	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/events"
	"github.com/osvaldoandrade/fnbay/internal/plugins/messaging"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

type Provider struct {
	*events.Kafka
}

func init() {
	registry.RegisterMessaging("kafka", NewFromConfig)
}

func NewFromConfig(cfg config.Config) (messaging.Provider, error) {
	kc := cfg.Plugins.Messaging.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("plugins.messaging.kafka.brokers is required")
	}
	if kc.Topics.Deployments == "" && kc.Topics.Invocations == "" {
		return nil, fmt.Errorf("plugins.messaging.kafka.topics needs at least one topic")
	}
	return &Provider{Kafka: events.NewKafka(kc.Brokers, events.Topics{
		Deployments: kc.Topics.Deployments,
		Invocations: kc.Topics.Invocations,
	})}, nil
}

func (p *Provider) ConsumeTopic(ctx context.Context, topic, groupID string, handler func(messaging.Envelope) error) error {
	return p.Kafka.ConsumeTopic(ctx, topic, groupID, func(env events.Envelope) error {
		return handler(toEnvelope(env))
	})
}

func toEnvelope(e events.Envelope) messaging.Envelope {
	return messaging.Envelope{
		Schema: e.Schema,
		ID:     e.ID,
		TSMS:   e.TSMS,
		Tenant: e.Tenant,
		Type:   e.Type,
		Body:   e.Body,
	}
}
