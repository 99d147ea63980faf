package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/usecase"
)

func newDLQAdmin() (usecase.DLQAdminService, *fakeDLQ, *fakeRepo, *fakeQueue, *fakePublisher) {
	dlq := &fakeDLQ{}
	repo := &fakeRepo{}
	queue := &fakeQueue{}
	pub := &fakePublisher{}
	svc := usecase.DLQAdminService{
		DLQ:      dlq,
		Repo:     repo,
		Queue:    queue,
		EventLog: &fakeEventLog{},
		Events:   pub,
	}
	return svc, dlq, repo, queue, pub
}

func deadTask(evalID string) domain.DeadLetterTask {
	task := evalTask(evalID)
	task.Attempt = 4
	return domain.DeadLetterTask{
		TaskID:        task.TaskID(),
		TaskName:      domain.TaskName,
		EvalID:        evalID,
		Queue:         domain.QueueEvaluation,
		Task:          task,
		ErrorClass:    domain.FailureConnection,
		ErrorMessage:  "dial tcp: connection refused",
		RetryCount:    5,
		FirstFailedAt: time.Now().UTC().Add(-time.Hour),
		LastFailedAt:  time.Now().UTC(),
	}
}

func TestDLQAdmin_Retry_ReopensAndEnqueues(t *testing.T) {
	t.Parallel()
	svc, dlq, repo, queue, pub := newDLQAdmin()
	dlq.TakeFn = func(taskID string) (domain.DeadLetterTask, error) { return deadTask("ev-1"), nil }

	task, err := svc.Retry(context.Background(), "eval-ev-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", task.EvalID)
	assert.Equal(t, 0, task.Attempt, "resubmission starts a fresh retry budget")

	assert.Equal(t, []int{0}, repo.reopens)

	enq := queue.enqueuedTasks()
	require.Len(t, enq, 1)
	assert.Equal(t, 0, enq[0].Attempt)

	statuses := pub.statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusQueued, statuses[0])
	assert.Empty(t, dlq.addedTasks(), "a successful retry must not restore the entry")
}

func TestDLQAdmin_Retry_UnknownTask(t *testing.T) {
	t.Parallel()
	svc, _, _, _, _ := newDLQAdmin()
	_, err := svc.Retry(context.Background(), "eval-missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDLQAdmin_Retry_ConflictRestoresEntry(t *testing.T) {
	t.Parallel()
	svc, dlq, repo, queue, _ := newDLQAdmin()
	dlq.TakeFn = func(string) (domain.DeadLetterTask, error) { return deadTask("ev-1"), nil }
	repo.ReopenFn = func(string, int) (bool, error) { return false, nil }
	repo.GetFn = func(id string) (domain.Evaluation, error) {
		// Someone already resubmitted it; the record is live again.
		return domain.Evaluation{ID: id, Status: domain.StatusRunning}, nil
	}

	_, err := svc.Retry(context.Background(), "eval-ev-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, queue.enqueuedTasks())

	restored := dlq.addedTasks()
	require.Len(t, restored, 1, "the entry goes back when the retry is refused")
	assert.Equal(t, "eval-ev-1", restored[0].TaskID)
}

func TestDLQAdmin_Retry_RecreatesPurgedRecord(t *testing.T) {
	t.Parallel()
	svc, dlq, repo, queue, _ := newDLQAdmin()
	dlq.TakeFn = func(string) (domain.DeadLetterTask, error) { return deadTask("ev-1"), nil }
	repo.ReopenFn = func(string, int) (bool, error) { return false, nil }
	// Default GetFn answers ErrNotFound: retention purged the record.

	task, err := svc.Retry(context.Background(), "eval-ev-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", task.EvalID)

	created := repo.createdEvals()
	require.Len(t, created, 1)
	assert.Equal(t, "ev-1", created[0].ID)
	assert.Equal(t, domain.StatusQueued, created[0].Status)
	assert.Equal(t, domain.QueueEvaluation, created[0].Queue)
	assert.Len(t, queue.enqueuedTasks(), 1)
}

func TestDLQAdmin_Retry_EnqueueFailureRestoresEntry(t *testing.T) {
	t.Parallel()
	svc, dlq, repo, queue, _ := newDLQAdmin()
	dlq.TakeFn = func(string) (domain.DeadLetterTask, error) { return deadTask("ev-1"), nil }
	queue.EnqueueFn = func(domain.EvalTask) (int64, error) { return 0, errors.New("broker down") }

	_, err := svc.Retry(context.Background(), "eval-ev-1")
	require.Error(t, err)

	finishes := repo.finishCalls()
	require.Len(t, finishes, 1, "the reopened record must not sit queued with no message behind it")
	assert.Equal(t, domain.StatusFailed, finishes[0].Res.Status)
	assert.Len(t, dlq.addedTasks(), 1)
}

func TestDLQAdmin_Retry_RequiresTaskID(t *testing.T) {
	t.Parallel()
	svc, _, _, _, _ := newDLQAdmin()
	_, err := svc.Retry(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDLQAdmin_RetryBatch_Validation(t *testing.T) {
	t.Parallel()
	svc, _, _, _, _ := newDLQAdmin()

	_, err := svc.RetryBatch(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	ids := make([]string, usecase.RetryBatchLimit+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("eval-%d", i)
	}
	_, err = svc.RetryBatch(context.Background(), ids)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDLQAdmin_RetryBatch_ReportsPerTask(t *testing.T) {
	t.Parallel()
	svc, dlq, _, _, _ := newDLQAdmin()
	dlq.TakeFn = func(taskID string) (domain.DeadLetterTask, error) {
		if taskID == "eval-good" {
			return deadTask("good"), nil
		}
		return domain.DeadLetterTask{}, fmt.Errorf("%w: dead-letter task %s", domain.ErrNotFound, taskID)
	}

	results, err := svc.RetryBatch(context.Background(), []string{"eval-good", "eval-bad"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].OK)
	assert.Equal(t, "good", results[0].EvalID)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, "not found")
}

func TestDLQAdmin_GetAndRemoveRequireTaskID(t *testing.T) {
	t.Parallel()
	svc, _, _, _, _ := newDLQAdmin()

	_, err := svc.Get(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.ErrorIs(t, svc.Remove(context.Background(), ""), domain.ErrInvalidArgument)
}

func TestDLQAdmin_ListPassesThrough(t *testing.T) {
	t.Parallel()
	svc, dlq, _, _, _ := newDLQAdmin()
	dlq.ListFn = func(limit, offset int, evalID string) ([]domain.DeadLetterTask, int64, error) {
		assert.Equal(t, 20, limit)
		assert.Equal(t, 40, offset)
		assert.Equal(t, "ev-9", evalID)
		return []domain.DeadLetterTask{deadTask("ev-9")}, 1, nil
	}

	tasks, total, err := svc.List(context.Background(), 20, 40, "ev-9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
}
