package domain

import "time"

// DLQRetentionDefault is how long per-task metadata survives; the queue id
// itself persists until operator action, and listings lazily prune ids whose
// metadata already expired.
const DLQRetentionDefault = 30 * 24 * time.Hour

// DeadLetterTask is one exhausted task plus its failure trail.
type DeadLetterTask struct {
	TaskID       string       `json:"task_id"`
	TaskName     string       `json:"task_name"`
	EvalID       string       `json:"eval_id"`
	Queue        string       `json:"queue"`
	Task         EvalTask     `json:"task"`
	ErrorClass   FailureClass `json:"error_class"`
	ErrorMessage string       `json:"error_message"`
	// ErrorHistory keeps one line per failed attempt, oldest first.
	ErrorHistory  []string  `json:"error_history,omitempty"`
	RetryCount    int       `json:"retry_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// DLQStats summarizes the queue for the statistics endpoint and alarms.
// Grouping is computed over a bounded sample from the head of the queue.
type DLQStats struct {
	Size         int64                `json:"size"`
	Sampled      int                  `json:"sampled"`
	ByErrorClass map[FailureClass]int `json:"by_error_class"`
	ByTaskName   map[string]int       `json:"by_task_name"`
}

type DeadLetterQueue interface {
	// Add is idempotent per TaskID; re-adding refreshes nothing and does
	// not duplicate the queue entry.
	Add(ctx Context, t DeadLetterTask) error
	Get(ctx Context, taskID string) (DeadLetterTask, error)
	// List pages the queue in insertion order; evalID optionally filters.
	List(ctx Context, limit, offset int, evalID string) ([]DeadLetterTask, int64, error)
	// Take atomically removes and returns the task (retry path).
	Take(ctx Context, taskID string) (DeadLetterTask, error)
	Remove(ctx Context, taskID string) error
	Statistics(ctx Context) (DLQStats, error)
	Size(ctx Context) (int64, error)
}

// DLQObserver is notified on every accepted add; injected so tests and
// alarms hook the same seam.
type DLQObserver interface {
	TaskDeadLettered(t DeadLetterTask)
}
