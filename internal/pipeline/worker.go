package pipeline

import (
	"context"
	"sync"
	"time"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/queue"
)

// Enqueuer puts a payload on a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, data any, delay time.Duration) (string, error)
}

type Broker interface {
	Enqueuer
	Consume(ctx context.Context, queue string, handler func(context.Context, *queue.Job) error) error
}

type Handler interface {
	Handle(ctx context.Context, msg Message) (Outcome, error)
}

// Enqueue puts msg on its stage queue.
func Enqueue(ctx context.Context, q Enqueuer, msg Message, delay time.Duration) error {
	if _, err := q.Enqueue(ctx, string(msg.Stage()), msg, delay); err != nil {
		return fberrors.Wrap(fberrors.FBQueueEnqueueFailed, "failed to enqueue "+string(msg.Stage()), err)
	}
	return nil
}

type Worker struct {
	handler   Handler
	broker    Broker
	consumers int
	logger    *observability.Logger
	metrics   *observability.Metrics
}

func NewWorker(handler Handler, broker Broker, consumers int, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		handler:   handler,
		broker:    broker,
		consumers: max(1, consumers),
		logger:    logger,
		metrics:   metrics,
	}
}

// Run consumes every stage queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, stage := range Stages() {
		for n := 0; n < w.consumers; n++ {
			wg.Add(1)
			go func(stage Stage) {
				defer wg.Done()
				_ = w.broker.Consume(ctx, string(stage), func(ctx context.Context, job *queue.Job) error {
					return w.HandleJob(ctx, stage, job)
				})
			}(stage)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// HandleJob decodes and handles one job. Dispatches are enqueued before the
// job is acknowledged, so a crash in between redelivers the job.
func (w *Worker) HandleJob(ctx context.Context, stage Stage, job *queue.Job) error {
	msg, err := Decode(stage, job.Data)
	if err != nil {
		// Undecodable payloads never become decodable; drop them.
		w.warn(ctx, "dropping job "+job.ID+": "+err.Error())
		w.metrics.ObserveStage(string(stage), "invalid", 0)
		return nil
	}
	ctx = observability.WithFields(ctx, observability.Fields{
		Deployment: msg.Deployment(),
		Stage:      string(stage),
	})

	start := time.Now()
	out, err := w.handler.Handle(ctx, msg)
	if err != nil {
		w.metrics.ObserveStage(string(stage), "error", time.Since(start).Seconds())
		w.warn(ctx, "stage failed: "+err.Error())
		return err
	}
	if out.Action == ActionRetry {
		w.metrics.ObserveStage(string(stage), out.Action.String(), time.Since(start).Seconds())
		return queue.ErrRetry
	}
	for _, d := range out.Dispatches {
		if err := Enqueue(ctx, w.broker, d.Message, d.Delay); err != nil {
			w.metrics.ObserveStage(string(stage), "error", time.Since(start).Seconds())
			return err
		}
	}
	w.metrics.ObserveStage(string(stage), out.Action.String(), time.Since(start).Seconds())
	return nil
}

func (w *Worker) warn(ctx context.Context, msg string) {
	if w.logger != nil {
		w.logger.Warn(ctx, msg)
	}
}
