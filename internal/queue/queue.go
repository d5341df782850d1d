// Package queue implements named work queues on Redis with delayed delivery,
// visibility timeouts and a dead-letter list.
//
// Each queue uses four keys under the configured prefix:
//
//	<prefix>:<queue>:ready    LIST of jobs ready to run (LPUSH in, RPOP out)
//	<prefix>:<queue>:delayed  ZSET of jobs scored by due time
//	<prefix>:<queue>:active   ZSET of reserved jobs scored by visibility deadline
//	<prefix>:<queue>:dead     LIST of jobs that exhausted their attempts
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

// ErrRetry asks the queue to redeliver a job after the retry delay without
// counting an attempt.
var ErrRetry = errors.New("queue: retry requested")

var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, job in ipairs(due) do
  redis.call('ZREM', KEYS[2], job)
  redis.call('LPUSH', KEYS[1], job)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, job in ipairs(expired) do
  redis.call('ZREM', KEYS[3], job)
  redis.call('RPUSH', KEYS[1], job)
end
local job = redis.call('RPOP', KEYS[1])
if not job then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], job)
return job
`)

var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[4] == '1' then
  redis.call('LPUSH', KEYS[3], ARGV[2])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 1
`)

type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Attempts     int             `json:"attempts"`
	EnqueuedAtMS int64           `json:"enqueued_at_ms"`

	raw string
}

type Options struct {
	Prefix       string
	Visibility   time.Duration
	RetryDelay   time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	// OnError receives failures the consume loop cannot return.
	OnError func(queue string, err error)
}

func (o *Options) withDefaults() {
	if o.Prefix == "" {
		o.Prefix = "fb:q"
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

type Broker struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

func New(client *redis.Client, opts Options) *Broker {
	opts.withDefaults()
	return &Broker{client: client, opts: opts, now: time.Now}
}

// SetClock replaces the broker's time source.
func (b *Broker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Broker) key(queue, part string) string {
	return b.opts.Prefix + ":" + queue + ":" + part
}

// Enqueue adds data to queue. A positive delay parks the job until it is due.
func (b *Broker) Enqueue(ctx context.Context, queue string, data any, delay time.Duration) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to encode job", err)
	}
	now := b.now()
	job := Job{ID: uuid.NewString(), Queue: queue, Data: payload, EnqueuedAtMS: now.UnixMilli()}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to encode job", err)
	}
	if delay > 0 {
		err = b.client.ZAdd(ctx, b.key(queue, "delayed"), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: string(raw)}).Err()
	} else {
		err = b.client.LPush(ctx, b.key(queue, "ready"), string(raw)).Err()
	}
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to enqueue job on "+queue, err)
	}
	return job.ID, nil
}

// Reserve returns the next ready job or nil when the queue is empty. The job
// stays invisible to other consumers until acked, nacked or its visibility
// timeout passes.
func (b *Broker) Reserve(ctx context.Context, queue string) (*Job, error) {
	now := b.now()
	raw, err := reserveScript.Run(ctx, b.client,
		[]string{b.key(queue, "ready"), b.key(queue, "delayed"), b.key(queue, "active")},
		now.UnixMilli(), now.Add(b.opts.Visibility).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBQueueReserveFailed, "failed to reserve job on "+queue, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = b.client.ZRem(ctx, b.key(queue, "active"), raw).Err()
		return nil, fberrors.Wrap(fberrors.FBQueueReserveFailed, "dropped undecodable job on "+queue, err)
	}
	job.raw = raw
	return &job, nil
}

func (b *Broker) Ack(ctx context.Context, job *Job) error {
	if err := b.client.ZRem(ctx, b.key(job.Queue, "active"), job.raw).Err(); err != nil {
		return fberrors.Wrap(fberrors.FBQueueReserveFailed, "failed to ack job "+job.ID, err)
	}
	return nil
}

// Nack schedules a redelivery. ErrRetry waits the retry delay and keeps the
// attempt count; any other cause counts an attempt and backs off
// exponentially, moving the job to the dead list once MaxAttempts is reached
// (when MaxAttempts > 0).
func (b *Broker) Nack(ctx context.Context, job *Job, cause error) error {
	next := *job
	next.raw = ""
	delay := b.opts.RetryDelay
	dead := false
	if !errors.Is(cause, ErrRetry) {
		next.Attempts++
		delay = b.Backoff(next.Attempts)
		if b.opts.MaxAttempts > 0 && next.Attempts >= b.opts.MaxAttempts {
			dead = true
		}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to encode job", err)
	}
	deadFlag := "0"
	if dead {
		deadFlag = "1"
	}
	due := b.now().Add(delay).UnixMilli()
	err = nackScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.key(job.Queue, "delayed"), b.key(job.Queue, "dead")},
		job.raw, string(raw), strconv.FormatInt(due, 10), deadFlag,
	).Err()
	if err != nil {
		return fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to requeue job "+job.ID, err)
	}
	return nil
}

// Backoff returns the delay before attempt+1: base doubled per attempt,
// capped at the configured maximum.
func (b *Broker) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(float64(b.opts.BackoffBase) * factor)
	if d <= 0 || d > b.opts.BackoffMax {
		return b.opts.BackoffMax
	}
	return d
}

type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

func (b *Broker) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.key(queue, "ready"))
	delayed := pipe.ZCard(ctx, b.key(queue, "delayed"))
	active := pipe.ZCard(ctx, b.key(queue, "active"))
	dead := pipe.LLen(ctx, b.key(queue, "dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to read queue stats for "+queue, err)
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), Active: active.Val(), Dead: dead.Val()}, nil
}

// Consume reserves and handles jobs from queue until ctx is done. A nil
// handler error acks the job; anything else nacks it with that cause.
func (b *Broker) Consume(ctx context.Context, queue string, handler func(context.Context, *Job) error) error {
	// Settling a handled job must survive shutdown.
	settle := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := b.Reserve(ctx, queue)
		if err != nil {
			b.reportError(queue, err)
			b.wait(ctx)
			continue
		}
		if job == nil {
			b.wait(ctx)
			continue
		}
		if herr := runHandler(ctx, handler, job); herr != nil {
			if err := b.Nack(settle, job, herr); err != nil {
				b.reportError(queue, err)
			}
			continue
		}
		if err := b.Ack(settle, job); err != nil {
			b.reportError(queue, err)
		}
	}
}

func runHandler(ctx context.Context, handler func(context.Context, *Job) error, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (b *Broker) reportError(queue string, err error) {
	if b.opts.OnError != nil {
		b.opts.OnError(queue, err)
	}
}

func (b *Broker) wait(ctx context.Context) {
	t := time.NewTimer(b.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
