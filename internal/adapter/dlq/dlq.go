// Package dlq stores tasks that exhausted their retry budget: a FIFO queue
// of task ids plus a per-task metadata key with bounded retention. The
// metadata key doubles as the mutual-exclusion point for concurrent
// retry/remove.
package dlq

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

var tracer = otel.Tracer("adapter.dlq")

const (
	defaultPrefix = "dlq:"
	// statsSample bounds how many entries from the head of the queue feed
	// the statistics grouping.
	statsSample = 100
)

// addScript is idempotent per task id: the queue entry is appended only when
// the metadata key did not exist yet.
const addScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[1], "PX", tonumber(ARGV[2]))
redis.call("RPUSH", KEYS[1], ARGV[3])
return 1
`

// takeScript atomically removes the metadata and the queue id, returning the
// payload so the caller can resubmit it. Returns false when already gone.
const takeScript = `
local payload = redis.call("GET", KEYS[2])
if not payload then
  redis.call("LREM", KEYS[1], 0, ARGV[1])
  return false
end
redis.call("DEL", KEYS[2])
redis.call("LREM", KEYS[1], 0, ARGV[1])
return payload
`

// Queue is the Redis-backed dead-letter store.
type Queue struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	obs       domain.DLQObserver
	add       *redis.Script
	take      *redis.Script
}

type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithRetention overrides the metadata TTL (default 30 days). The queue id
// itself persists until operator action; listings prune ids whose metadata
// already expired.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithObserver injects the add observer (tests, alarms).
func WithObserver(obs domain.DLQObserver) Option {
	return func(q *Queue) { q.obs = obs }
}

func New(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		rdb:       rdb,
		prefix:    defaultPrefix,
		retention: domain.DLQRetentionDefault,
		add:       redis.NewScript(addScript),
		take:      redis.NewScript(takeScript),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) queueKey() string         { return q.prefix + "queue" }
func (q *Queue) taskKey(id string) string { return q.prefix + "task:" + id }

// Add appends t once; re-adding an id that is still present is a no-op.
func (q *Queue) Add(ctx domain.Context, t domain.DeadLetterTask) error {
	ctx, span := tracer.Start(ctx, "dlq.add", trace.WithAttributes(attribute.String("task_id", t.TaskID)))
	defer span.End()

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=dlq.Add: %w", err)
	}
	added, err := q.add.Run(ctx, q.rdb,
		[]string{q.queueKey(), q.taskKey(t.TaskID)},
		payload, q.retention.Milliseconds(), t.TaskID,
	).Int64()
	if err != nil {
		return fmt.Errorf("op=dlq.Add: %w", err)
	}
	if added == 1 {
		observability.DLQTasksTotal.WithLabelValues(string(t.ErrorClass)).Inc()
		if q.obs != nil {
			q.obs.TaskDeadLettered(t)
		}
	}
	return nil
}

// Get returns the task by id. Expired or unknown metadata yields ErrNotFound
// and lazily prunes the dangling queue entry.
func (q *Queue) Get(ctx domain.Context, taskID string) (domain.DeadLetterTask, error) {
	raw, err := q.rdb.Get(ctx, q.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		q.rdb.LRem(ctx, q.queueKey(), 0, taskID)
		return domain.DeadLetterTask{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DeadLetterTask{}, fmt.Errorf("op=dlq.Get: %w", err)
	}
	var t domain.DeadLetterTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.DeadLetterTask{}, fmt.Errorf("op=dlq.Get: %w", err)
	}
	return t, nil
}

// List pages the queue in insertion order. The walk is O(n) over the queued
// ids, acceptable while the DLQ stays small. The returned total counts rows
// that survive pruning and match the filter, so it agrees with what paging
// through every offset would yield.
func (q *Queue) List(ctx domain.Context, limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error) {
	ctx, span := tracer.Start(ctx, "dlq.list")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	queued, err := q.rdb.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=dlq.List: %w", err)
	}

	out := make([]domain.DeadLetterTask, 0, limit)
	var total int64
	skipped := 0
	// Walk from the head so the filtered offset applies to surviving rows.
	const page = 200
	for start := int64(0); start < queued; start += page {
		ids, err := q.rdb.LRange(ctx, q.queueKey(), start, start+page-1).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("op=dlq.List: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			t, err := q.Get(ctx, id)
			if err == domain.ErrNotFound {
				continue // pruned
			}
			if err != nil {
				return nil, 0, err
			}
			if evalID != "" && t.EvalID != evalID {
				continue
			}
			total++
			if skipped < offset {
				skipped++
				continue
			}
			if len(out) < limit {
				out = append(out, t)
			}
		}
	}
	return out, total, nil
}

// Take atomically removes and returns the task; used by the retry path so
// concurrent retries of the same id race on the metadata key.
func (q *Queue) Take(ctx domain.Context, taskID string) (domain.DeadLetterTask, error) {
	ctx, span := tracer.Start(ctx, "dlq.take", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	res, err := q.take.Run(ctx, q.rdb, []string{q.queueKey(), q.taskKey(taskID)}, taskID).Result()
	if err == redis.Nil || res == nil {
		return domain.DeadLetterTask{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DeadLetterTask{}, fmt.Errorf("op=dlq.Take: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return domain.DeadLetterTask{}, fmt.Errorf("op=dlq.Take: unexpected script result: %w", domain.ErrInternal)
	}
	var t domain.DeadLetterTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.DeadLetterTask{}, fmt.Errorf("op=dlq.Take: %w", err)
	}
	return t, nil
}

// Remove discards the task without resubmission.
func (q *Queue) Remove(ctx domain.Context, taskID string) error {
	_, err := q.Take(ctx, taskID)
	return err
}

// Size returns the queue length.
func (q *Queue) Size(ctx domain.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=dlq.Size: %w", err)
	}
	return n, nil
}

// Statistics samples the head of the queue and groups by error class and
// task name.
func (q *Queue) Statistics(ctx domain.Context) (domain.DLQStats, error) {
	ctx, span := tracer.Start(ctx, "dlq.statistics")
	defer span.End()

	size, err := q.Size(ctx)
	if err != nil {
		return domain.DLQStats{}, err
	}
	ids, err := q.rdb.LRange(ctx, q.queueKey(), 0, statsSample-1).Result()
	if err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.Statistics: %w", err)
	}

	stats := domain.DLQStats{
		Size:         size,
		ByErrorClass: map[domain.FailureClass]int{},
		ByTaskName:   map[string]int{},
	}
	for _, id := range ids {
		t, err := q.Get(ctx, id)
		if err == domain.ErrNotFound {
			continue
		}
		if err != nil {
			return domain.DLQStats{}, err
		}
		stats.Sampled++
		stats.ByErrorClass[t.ErrorClass]++
		stats.ByTaskName[t.TaskName]++
	}
	observability.DLQSize.Set(float64(size))
	return stats, nil
}
