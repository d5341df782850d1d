// Package events publishes deployment and invocation lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

const Schema = "fb.envelope.v1"

type Topics struct {
	Deployments string
	Invocations string
}

type Envelope struct {
	Schema string          `json:"schema"`
	ID     string          `json:"id"`
	TSMS   int64           `json:"ts_ms"`
	Tenant string          `json:"tenant"`
	Type   string          `json:"type"`
	Body   json.RawMessage `json:"body"`
}

type Kafka struct {
	brokers []string
	topics  Topics

	mu      sync.Mutex
	writers map[string]messageWriter

	newWriterFn func(topic string) messageWriter
	newReaderFn func(topic, groupID string) kafkaReader
}

func NewKafka(brokers []string, topics Topics) *Kafka {
	return &Kafka{brokers: brokers, topics: topics, writers: make(map[string]messageWriter)}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func (k *Kafka) Topics() Topics { return k.topics }

func (k *Kafka) topicWriter(topic string) messageWriter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	var w messageWriter
	if k.newWriterFn != nil {
		w = k.newWriterFn(topic)
	} else {
		w = &kafka.Writer{
			Addr:         kafka.TCP(k.brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
		}
	}
	k.writers[topic] = w
	return w
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for _, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish wraps body in an Envelope keyed by tenant, so one tenant's events
// stay ordered within a partition.
func (k *Kafka) Publish(ctx context.Context, topic, tenant, typ string, body any) error {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	env := Envelope{
		Schema: Schema,
		ID:     "evt_" + uuid.NewString(),
		TSMS:   time.Now().UnixMilli(),
		Tenant: tenant,
		Type:   typ,
		Body:   rawBody,
	}
	rawEnv, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := k.topicWriter(topic).WriteMessages(ctx, kafka.Message{Key: []byte(tenant), Value: rawEnv, Time: time.Now()}); err != nil {
		return fberrors.Wrap(fberrors.FBEventPublishFailed, fmt.Sprintf("failed to publish to topic %s", topic), err)
	}
	return nil
}

func (k *Kafka) PublishDeploymentEvent(ctx context.Context, ev api.DeploymentEvent) error {
	if k.topics.Deployments == "" {
		return nil
	}
	return k.Publish(ctx, k.topics.Deployments, ev.TenantID, "DeploymentEvent", ev)
}

func (k *Kafka) PublishInvocationEvent(ctx context.Context, ev api.InvocationEvent) error {
	if k.topics.Invocations == "" {
		return nil
	}
	return k.Publish(ctx, k.topics.Invocations, ev.TenantID, "InvocationEvent", ev)
}

// ConsumeTopic hands every envelope on topic to handler until ctx is done.
// Malformed envelopes are committed and skipped; a handler error stops the
// loop without committing.
func (k *Kafka) ConsumeTopic(ctx context.Context, topic, groupID string, handler func(Envelope) error) error {
	reader := k.newReader(topic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fberrors.Wrap(fberrors.FBEventSubFailed, "failed to fetch kafka message", err)
		}
		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if err := handler(env); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fberrors.Wrap(fberrors.FBEventSubFailed, "failed to commit kafka message", err)
		}
	}
}

func (k *Kafka) newReader(topic, groupID string) kafkaReader {
	if k.newReaderFn != nil {
		return k.newReaderFn(topic, groupID)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}
