// Package redisq implements the priority task queues on Redis lists.
//
// One list per logical queue, producers RPUSH and consumers BLPOP, so each
// queue is FIFO. Strict priority across queues comes from the dispatcher
// polling the lists in descending priority order on every poll; the
// transport has no native priorities and round-robin is explicitly not an
// acceptable emulation.
package redisq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

var tracer = otel.Tracer("adapter.redisq")

const defaultPrefix = "q:"

// dropScript removes the first queued message whose eval_id matches; used by
// soft cancel while the task is still queued.
const dropScript = `
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, msg = pcall(cjson.decode, raw)
  if ok and msg["eval_id"] == ARGV[1] then
    redis.call("LREM", KEYS[1], 1, raw)
    return 1
  end
end
return 0
`

// dropScheduledScript removes a delayed retry for eval_id from the scheduled
// set. Members are envelopes whose payload field is the raw task JSON.
const dropScheduledScript = `
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, raw in ipairs(members) do
  local ok, env = pcall(cjson.decode, raw)
  if ok and env["payload"] then
    local ok2, msg = pcall(cjson.decode, env["payload"])
    if ok2 and msg["eval_id"] == ARGV[1] then
      redis.call("ZREM", KEYS[1], raw)
      return 1
    end
  end
end
return 0
`

// scheduledEnvelope is one member of the scheduled zset: the destination
// queue plus the task payload verbatim, so the mover never re-encodes it.
type scheduledEnvelope struct {
	Queue   string `json:"queue"`
	Payload string `json:"payload"`
}

// Queue is the producer view of the Redis priority queues. It also hosts the
// keys shared with the Dispatcher and the retry Scheduler.
type Queue struct {
	rdb           *redis.Client
	prefix        string
	drop          *redis.Script
	dropScheduled *redis.Script
}

type Option func(*Queue)

// WithPrefix namespaces all queue keys.
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

func New(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		rdb:           rdb,
		prefix:        defaultPrefix,
		drop:          redis.NewScript(dropScript),
		dropScheduled: redis.NewScript(dropScheduledScript),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) queueKey(name string) string { return q.prefix + name }
func (q *Queue) scheduledKey() string        { return q.prefix + "scheduled" }

// queueKeys returns the poll keys in strict dispatch order.
func (q *Queue) queueKeys() []string {
	order := domain.DispatchOrder()
	keys := make([]string, len(order))
	for i, name := range order {
		keys[i] = q.queueKey(name)
	}
	return keys
}

// Enqueue appends the task to the queue mapped from its priority and returns
// the resulting depth (the task's 1-based position).
func (q *Queue) Enqueue(ctx domain.Context, task domain.EvalTask) (int64, error) {
	name := domain.QueueForPriority(task.Priority)
	ctx, span := tracer.Start(ctx, "redisq.enqueue", trace.WithAttributes(
		attribute.String("eval_id", task.EvalID),
		attribute.String("queue", name),
	))
	defer span.End()

	raw, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	depth, err := q.rdb.RPush(ctx, q.queueKey(name), raw).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	observability.QueueDepth.WithLabelValues(name).Set(float64(depth))
	return depth, nil
}

// ScheduleRetry re-enqueues the task after delay, preserving its queue. The
// task sits in the scheduled zset until the Scheduler moves it.
func (q *Queue) ScheduleRetry(ctx domain.Context, task domain.EvalTask, delay time.Duration) error {
	name := domain.QueueForPriority(task.Priority)
	ctx, span := tracer.Start(ctx, "redisq.schedule_retry", trace.WithAttributes(
		attribute.String("eval_id", task.EvalID),
		attribute.Int("attempt", task.Attempt),
		attribute.String("delay", delay.String()),
	))
	defer span.End()

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=redisq.ScheduleRetry: %w", err)
	}
	member, err := json.Marshal(scheduledEnvelope{Queue: name, Payload: string(payload)})
	if err != nil {
		return fmt.Errorf("op=redisq.ScheduleRetry: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: due, Member: member}).Err(); err != nil {
		return fmt.Errorf("op=redisq.ScheduleRetry: %w", err)
	}
	return nil
}

// Drop removes a not-yet-dispatched task from its queue or from the
// scheduled set. Returns false when nothing matched (the task was already
// picked up or never existed).
func (q *Queue) Drop(ctx domain.Context, evalID string, priority int) (bool, error) {
	name := domain.QueueForPriority(priority)
	ctx, span := tracer.Start(ctx, "redisq.drop", trace.WithAttributes(attribute.String("eval_id", evalID)))
	defer span.End()

	n, err := q.drop.Run(ctx, q.rdb, []string{q.queueKey(name)}, evalID).Int64()
	if err != nil {
		return false, fmt.Errorf("op=redisq.Drop: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	n, err = q.dropScheduled.Run(ctx, q.rdb, []string{q.scheduledKey()}, evalID).Int64()
	if err != nil {
		return false, fmt.Errorf("op=redisq.Drop: %w", err)
	}
	return n == 1, nil
}

// Depth returns the current length of one queue.
func (q *Queue) Depth(ctx domain.Context, queue string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.Depth: %w", err)
	}
	return n, nil
}

// ScheduledCount returns how many delayed retries are waiting.
func (q *Queue) ScheduledCount(ctx domain.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.scheduledKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.ScheduledCount: %w", err)
	}
	return n, nil
}
