// Package runningindex mirrors currently non-terminal evaluations in Redis
// for O(1) enumeration: one hash per evaluation plus a membership set. The
// index is advisory; durable storage is authoritative and readers
// cross-check before trusting membership.
package runningindex

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// Key layout mirrors the public contract: eval:{id}:running hashes and the
// running_evaluations set.
const (
	setKey     = "running_evaluations"
	hashPrefix = "eval:"
	hashSuffix = ":running"
)

// Index is the Redis-backed running-state mirror.
type Index struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Index {
	return &Index{rdb: rdb}
}

func hashKey(evalID string) string { return hashPrefix + evalID + hashSuffix }

// Upsert writes the running entry and adds the id to the set. Idempotent:
// replaying an event overwrites with identical data.
func (ix *Index) Upsert(ctx domain.Context, entry domain.RunningEntry) error {
	pipe := ix.rdb.TxPipeline()
	pipe.HSet(ctx, hashKey(entry.EvalID), map[string]interface{}{
		"eval_id":      entry.EvalID,
		"executor_id":  entry.ExecutorID,
		"container_id": entry.ContainerID,
		"started_at":   entry.StartedAt.UTC().Format(time.RFC3339Nano),
		"timeout":      entry.TimeoutSecs,
	})
	pipe.SAdd(ctx, setKey, entry.EvalID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=runningindex.Upsert: %w", err)
	}
	ix.gaugeSize(ctx)
	return nil
}

// Remove deletes the hash and the set member. Removing an absent id is a
// no-op so terminal events and reconciliation can both issue it.
func (ix *Index) Remove(ctx domain.Context, evalID string) error {
	pipe := ix.rdb.TxPipeline()
	pipe.Del(ctx, hashKey(evalID))
	pipe.SRem(ctx, setKey, evalID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=runningindex.Remove: %w", err)
	}
	ix.gaugeSize(ctx)
	return nil
}

// Get loads one entry; ErrNotFound when the evaluation is not indexed.
func (ix *Index) Get(ctx domain.Context, evalID string) (domain.RunningEntry, error) {
	vals, err := ix.rdb.HGetAll(ctx, hashKey(evalID)).Result()
	if err != nil {
		return domain.RunningEntry{}, fmt.Errorf("op=runningindex.Get: %w", err)
	}
	if len(vals) == 0 {
		return domain.RunningEntry{}, domain.ErrNotFound
	}
	entry := domain.RunningEntry{
		EvalID:      vals["eval_id"],
		ExecutorID:  vals["executor_id"],
		ContainerID: vals["container_id"],
	}
	if v := vals["started_at"]; v != "" {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.StartedAt = at
		}
	}
	if v := vals["timeout"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			entry.TimeoutSecs = n
		}
	}
	if entry.EvalID == "" {
		entry.EvalID = evalID
	}
	return entry, nil
}

// List returns the ids currently in the set, unordered.
func (ix *Index) List(ctx domain.Context) ([]string, error) {
	ids, err := ix.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=runningindex.List: %w", err)
	}
	return ids, nil
}

func (ix *Index) gaugeSize(ctx domain.Context) {
	if n, err := ix.rdb.SCard(ctx, setKey).Result(); err == nil {
		observability.RunningIndexSize.Set(float64(n))
	}
}
