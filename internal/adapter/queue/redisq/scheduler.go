package redisq

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// moveScript pops every due member of the scheduled zset and pushes its
// payload onto the destination queue in one atomic step, so a crashed mover
// never loses or duplicates a retry.
const moveScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local moved = 0
for _, raw in ipairs(due) do
  redis.call("ZREM", KEYS[1], raw)
  local ok, env = pcall(cjson.decode, raw)
  if ok and env["queue"] and env["payload"] then
    redis.call("RPUSH", ARGV[3] .. env["queue"], env["payload"])
    moved = moved + 1
  end
end
return moved
`

// Scheduler moves due delayed retries from the scheduled zset back onto
// their priority queues. Any number of instances may run; the move is
// atomic per batch.
type Scheduler struct {
	rdb      *redis.Client
	queue    *Queue
	interval time.Duration
	batch    int
	move     *redis.Script
}

// NewScheduler builds a retry mover over q's keyspace. interval defaults to
// 500ms, batch to 100.
func NewScheduler(rdb *redis.Client, q *Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Scheduler{
		rdb:      rdb,
		queue:    q,
		interval: interval,
		batch:    100,
		move:     redis.NewScript(moveScript),
	}
}

// MoveDue promotes every retry due at now; returns how many moved.
func (s *Scheduler) MoveDue(ctx domain.Context, now time.Time) (int, error) {
	res, err := s.move.Run(ctx, s.rdb,
		[]string{s.queue.scheduledKey()},
		now.UnixMilli(), s.batch, s.queue.prefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.MoveDue: %w", err)
	}
	return int(res), nil
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx domain.Context) {
	lg := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lg.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			moved, err := s.MoveDue(ctx, time.Now())
			if err != nil {
				lg.Error("retry scheduler move failed", "error", err)
				continue
			}
			if moved > 0 {
				lg.Debug("moved due retries", "count", moved)
			}
		}
	}
}
