package messaging

import (
	"context"
	"encoding/json"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// Envelope wraps every event published on the bus.
type Envelope struct {
	Schema string          `json:"schema"`
	ID     string          `json:"id"`
	TSMS   int64           `json:"ts_ms"`
	Tenant string          `json:"tenant"`
	Type   string          `json:"type"`
	Body   json.RawMessage `json:"body"`
}

// Event types carried in Envelope.Type.
const (
	TypeDeploymentEvent = "DeploymentEvent"
	TypeInvocationEvent = "InvocationEvent"
)

// Provider publishes lifecycle events to downstream consumers.
type Provider interface {
	Close() error

	PublishDeploymentEvent(ctx context.Context, ev api.DeploymentEvent) error
	PublishInvocationEvent(ctx context.Context, ev api.InvocationEvent) error

	ConsumeTopic(ctx context.Context, topic, groupID string, handler func(Envelope) error) error
}
