package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// RetryBatchLimit caps how many dead-letter tasks one batch call may
// resubmit.
const RetryBatchLimit = 100

// DLQAdminService exposes the operator surface over the dead-letter queue:
// inspect, discard, and resubmit exhausted tasks.
type DLQAdminService struct {
	DLQ      domain.DeadLetterQueue
	Repo     domain.EvaluationRepository
	Queue    domain.TaskQueue
	EventLog domain.EventRepository
	Events   domain.EventPublisher
}

// RetryResult reports one task of a batch retry.
type RetryResult struct {
	TaskID string `json:"task_id"`
	EvalID string `json:"eval_id,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// List pages dead-letter tasks in insertion order, optionally filtered by
// evaluation id.
func (s DLQAdminService) List(ctx domain.Context, limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error) {
	return s.DLQ.List(ctx, limit, offset, evalID)
}

// Get fetches one dead-letter task by its task id.
func (s DLQAdminService) Get(ctx domain.Context, taskID string) (domain.DeadLetterTask, error) {
	if taskID == "" {
		return domain.DeadLetterTask{}, fmt.Errorf("%w: task_id is required", domain.ErrInvalidArgument)
	}
	return s.DLQ.Get(ctx, taskID)
}

// Remove discards a dead-letter task without resubmitting it.
func (s DLQAdminService) Remove(ctx domain.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task_id is required", domain.ErrInvalidArgument)
	}
	return s.DLQ.Remove(ctx, taskID)
}

// Statistics summarizes the dead-letter queue.
func (s DLQAdminService) Statistics(ctx domain.Context) (domain.DLQStats, error) {
	return s.DLQ.Statistics(ctx)
}

// Retry takes the task out of the dead-letter queue, returns its
// evaluation to queued with a fresh attempt counter, and enqueues it. Any
// failure along the way puts the entry back so the operator can try again.
func (s DLQAdminService) Retry(ctx domain.Context, taskID string) (domain.EvalTask, error) {
	lg := observability.LoggerFromContext(ctx)
	if taskID == "" {
		return domain.EvalTask{}, fmt.Errorf("%w: task_id is required", domain.ErrInvalidArgument)
	}

	t, err := s.DLQ.Take(ctx, taskID)
	if err != nil {
		return domain.EvalTask{}, err
	}
	restore := func() {
		if rerr := s.DLQ.Add(ctx, t); rerr != nil {
			lg.Warn("dead-letter restore failed; entry lost",
				"task_id", taskID, "eval_id", t.EvalID, "error", rerr)
		}
	}

	task := t.Task
	task.Attempt = 0

	ok, err := s.Repo.Reopen(ctx, t.EvalID, 0)
	if err != nil {
		restore()
		return domain.EvalTask{}, fmt.Errorf("op=dlq.retry reopen: %w", err)
	}
	if !ok {
		_, gerr := s.Repo.Get(ctx, t.EvalID)
		switch {
		case errors.Is(gerr, domain.ErrNotFound):
			// Retention purged the record while the entry sat in the
			// queue; recreate it from the task payload.
			now := time.Now().UTC()
			if cerr := s.Repo.Create(ctx, domain.Evaluation{
				ID:          t.EvalID,
				Code:        task.Code,
				Language:    task.Language,
				Engine:      task.Engine,
				TimeoutSecs: task.TimeoutSecs,
				Priority:    task.Priority,
				Queue:       t.Queue,
				Status:      domain.StatusQueued,
				SubmittedAt: now,
				UpdatedAt:   now,
			}); cerr != nil {
				restore()
				return domain.EvalTask{}, fmt.Errorf("op=dlq.retry recreate: %w", cerr)
			}
		case gerr == nil:
			restore()
			return domain.EvalTask{}, fmt.Errorf("%w: evaluation %s is not in a retryable state", domain.ErrConflict, t.EvalID)
		default:
			restore()
			return domain.EvalTask{}, fmt.Errorf("op=dlq.retry lookup: %w", gerr)
		}
	}

	if _, err := s.Queue.Enqueue(ctx, task); err != nil {
		_, _ = s.Repo.Finish(ctx, t.EvalID, domain.TerminalResult{
			Status: domain.StatusFailed,
			Error:  domain.OutputBlob{Preview: "dead-letter retry enqueue failed", Size: int64(len("dead-letter retry enqueue failed"))},
		})
		restore()
		return domain.EvalTask{}, fmt.Errorf("op=dlq.retry enqueue: %w", err)
	}

	publishEvent(ctx, s.Events, s.EventLog, domain.EvaluationEvent{
		EvalID:      t.EvalID,
		Status:      domain.StatusQueued,
		Timestamp:   time.Now().UTC(),
		Queue:       t.Queue,
		TimeoutSecs: task.TimeoutSecs,
	})
	lg.Info("dead-letter task resubmitted",
		"task_id", taskID, "eval_id", t.EvalID, "queue", t.Queue)
	return task, nil
}

// RetryBatch resubmits up to RetryBatchLimit dead-letter tasks, reporting
// per-task success so one poison entry does not abort the rest.
func (s DLQAdminService) RetryBatch(ctx domain.Context, taskIDs []string) ([]RetryResult, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("%w: task_ids is required", domain.ErrInvalidArgument)
	}
	if len(taskIDs) > RetryBatchLimit {
		return nil, fmt.Errorf("%w: at most %d task_ids per batch", domain.ErrInvalidArgument, RetryBatchLimit)
	}
	results := make([]RetryResult, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := s.Retry(ctx, id)
		r := RetryResult{TaskID: id, EvalID: task.EvalID, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}
