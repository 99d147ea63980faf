package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// Dispatcher consumes the priority queues and drives the per-evaluation
// handler. Each concurrency slot is one goroutine doing a blocking poll
// over all queue keys in strict descending priority order: BLPOP checks
// its keys left to right, so no low-priority message is served while a
// higher queue is non-empty at poll time.
type Dispatcher struct {
	rdb         *redis.Client
	queue       *Queue
	handler     domain.DispatchHandler
	concurrency int
	pollTimeout time.Duration

	wg sync.WaitGroup
}

// NewDispatcher wires the consumer loop. pollTimeout bounds each BLPOP so
// workers notice shutdown promptly; it defaults to 2s.
func NewDispatcher(rdb *redis.Client, q *Queue, handler domain.DispatchHandler, concurrency int, pollTimeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &Dispatcher{
		rdb:         rdb,
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		pollTimeout: pollTimeout,
	}
}

// Run starts the worker slots and blocks until ctx is done and every
// in-flight task finished. In-flight tasks are not interrupted: the handler
// bounds them by the evaluation timeout.
func (d *Dispatcher) Run(ctx domain.Context) {
	lg := observability.LoggerFromContext(ctx)
	lg.Info("dispatcher starting", "concurrency", d.concurrency, "queues", domain.DispatchOrder())
	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go func(slot int) {
			defer d.wg.Done()
			d.worker(ctx, slot)
		}(i)
	}
	d.wg.Wait()
	lg.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx domain.Context, slot int) {
	lg := observability.LoggerFromContext(ctx).With("slot", slot)
	keys := d.queue.queueKeys()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.rdb.BLPop(ctx, d.pollTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // poll timeout, all queues empty
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			lg.Error("queue poll failed", "error", err)
			// Brief pause so a broken broker does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		d.dispatchOne(ctx, lg, res[0], res[1])
	}
}

func (d *Dispatcher) dispatchOne(ctx domain.Context, lg *slog.Logger, key, raw string) {
	queueName := key
	if len(key) > len(d.queue.prefix) && key[:len(d.queue.prefix)] == d.queue.prefix {
		queueName = key[len(d.queue.prefix):]
	}

	var task domain.EvalTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Poison payload with no recoverable identity; dropping is all we
		// can do, loudly.
		lg.Error("dropping malformed task payload", "queue", queueName, "error", err)
		observability.DispatchAttemptsTotal.WithLabelValues("malformed").Inc()
		return
	}

	observability.EvaluationsInFlight.Inc()
	defer observability.EvaluationsInFlight.Dec()

	outcome := d.handler.HandleTask(ctx, task, queueName)
	observability.DispatchAttemptsTotal.WithLabelValues(outcome.Kind.String()).Inc()

	switch outcome.Kind {
	case domain.DispatchSuccess:
		// Terminal result already persisted and published by the handler.
	case domain.DispatchRequeue:
		next := task
		next.Attempt++
		if err := d.queue.ScheduleRetry(ctx, next, outcome.Delay); err != nil {
			lg.Error("failed to schedule retry; task lost from queue",
				"eval_id", task.EvalID, "attempt", next.Attempt, "error", err)
			return
		}
		observability.RetriesScheduledTotal.WithLabelValues(string(outcome.Class)).Inc()
		lg.Warn("dispatch attempt failed; retry scheduled",
			"eval_id", task.EvalID,
			"attempt", next.Attempt,
			"delay", outcome.Delay.String(),
			"class", string(outcome.Class),
			"error", outcome.Err)
	case domain.DispatchTerminal:
		lg.Warn("dispatch terminated",
			"eval_id", task.EvalID,
			"attempt", task.Attempt,
			"class", string(outcome.Class),
			"error", outcome.Err)
	}
}
