// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// Submission limits used when the corresponding field is left zero.
const (
	DefaultMaxCodeBytes   = 256 << 10
	DefaultMaxTimeoutSecs = 900
	DefaultMaxQueueDepth  = 10000
)

// LifecycleService is the evaluation lifecycle controller: submission,
// reads, cancellation, listing, statistics and retention. It owns the
// Evaluation record; the dispatcher drives it between queued and terminal.
type LifecycleService struct {
	Repo     domain.EvaluationRepository
	EventLog domain.EventRepository
	Queue    domain.TaskQueue
	Running  domain.RunningIndex
	Events   domain.EventPublisher
	Client   domain.ExecutorClient
	DLQ      domain.DeadLetterQueue

	MaxCodeBytes   int64
	MaxTimeoutSecs int
	MaxQueueDepth  int64
}

// SubmitRequest is the submission payload after transport decoding.
type SubmitRequest struct {
	Code        string
	Language    string
	Engine      string
	TimeoutSecs int
	Priority    int
}

// SubmitReceipt answers an accepted submission.
type SubmitReceipt struct {
	EvalID        string                  `json:"eval_id"`
	Status        domain.EvaluationStatus `json:"status"`
	Queue         string                  `json:"queue"`
	QueuePosition int64                   `json:"queue_position"`
}

// EvaluationView is the read model: the durable record plus the advisory
// running entry when the index has one.
type EvaluationView struct {
	domain.Evaluation
	Running *domain.RunningEntry
}

// Submit validates the request, writes the queued record and enqueues the
// task. It returns as soon as the broker accepted the message.
func (s LifecycleService) Submit(ctx domain.Context, req SubmitRequest) (SubmitReceipt, error) {
	if req.Code == "" {
		return SubmitReceipt{}, fmt.Errorf("%w: code is required", domain.ErrInvalidArgument)
	}
	if maxCode := s.maxCodeBytes(); int64(len(req.Code)) > maxCode {
		return SubmitReceipt{}, fmt.Errorf("%w: code exceeds %d bytes", domain.ErrInvalidArgument, maxCode)
	}
	if req.Language == "" {
		return SubmitReceipt{}, fmt.Errorf("%w: language is required", domain.ErrInvalidArgument)
	}
	if req.TimeoutSecs < 1 {
		return SubmitReceipt{}, fmt.Errorf("%w: timeout must be >= 1", domain.ErrInvalidArgument)
	}
	if maxTimeout := s.maxTimeoutSecs(); req.TimeoutSecs > maxTimeout {
		return SubmitReceipt{}, fmt.Errorf("%w: timeout exceeds %d seconds", domain.ErrInvalidArgument, maxTimeout)
	}

	priority := domain.NormalizePriority(req.Priority)
	queue := domain.QueueForPriority(priority)

	depth, err := s.Queue.Depth(ctx, queue)
	if err != nil {
		return SubmitReceipt{}, fmt.Errorf("op=lifecycle.submit depth: %w", err)
	}
	if depth >= s.maxQueueDepth() {
		return SubmitReceipt{}, fmt.Errorf("%w: queue %s is full", domain.ErrNoCapacity, queue)
	}

	now := time.Now().UTC()
	ev := domain.Evaluation{
		ID:          ulid.Make().String(),
		Code:        req.Code,
		Language:    req.Language,
		Engine:      req.Engine,
		TimeoutSecs: req.TimeoutSecs,
		Priority:    priority,
		Queue:       queue,
		Status:      domain.StatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.Repo.Create(ctx, ev); err != nil {
		return SubmitReceipt{}, err
	}

	pos, err := s.Queue.Enqueue(ctx, domain.EvalTask{
		EvalID:      ev.ID,
		Code:        ev.Code,
		Language:    ev.Language,
		Engine:      ev.Engine,
		TimeoutSecs: ev.TimeoutSecs,
		Priority:    ev.Priority,
	})
	if err != nil {
		// The record must not sit queued forever when the broker never
		// accepted its message.
		msg := "enqueue failed"
		_, _ = s.Repo.Finish(ctx, ev.ID, domain.TerminalResult{
			Status: domain.StatusFailed,
			Error:  domain.OutputBlob{Preview: msg, Size: int64(len(msg))},
		})
		return SubmitReceipt{}, fmt.Errorf("op=lifecycle.submit enqueue: %w", err)
	}

	observability.EvaluationsSubmittedTotal.WithLabelValues(queue).Inc()
	publishEvent(ctx, s.Events, s.EventLog, domain.NewEvent(ev, now))

	return SubmitReceipt{EvalID: ev.ID, Status: domain.StatusQueued, Queue: queue, QueuePosition: pos}, nil
}

// Get loads one evaluation. The running entry is attached only when the
// durable status agrees the evaluation is in flight; the index stays
// advisory.
func (s LifecycleService) Get(ctx domain.Context, id string) (EvaluationView, error) {
	if id == "" {
		return EvaluationView{}, fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}
	ev, err := s.Repo.Get(ctx, id)
	if err != nil {
		return EvaluationView{}, err
	}
	view := EvaluationView{Evaluation: ev}
	if ev.Status == domain.StatusProvisioning || ev.Status == domain.StatusRunning {
		if entry, ierr := s.Running.Get(ctx, id); ierr == nil {
			view.Running = &entry
		}
	}
	return view, nil
}

// ListEvents returns the durable event log for one evaluation, oldest first.
func (s LifecycleService) ListEvents(ctx domain.Context, id string, limit int) ([]domain.EvaluationEventRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.EventLog.ListByEvaluation(ctx, id, limit)
}

// Cancel moves a live evaluation to cancelled. Queued and provisioning
// accept a soft cancel; running requires force, which also signals the
// executor. Terminal states answer idempotently with Cancelled=false.
func (s LifecycleService) Cancel(ctx domain.Context, id string, force bool) (domain.CancelOutcome, error) {
	lg := observability.LoggerFromContext(ctx)
	ev, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.CancelOutcome{}, err
	}

	out := domain.CancelOutcome{EvalID: id, PreviousStatus: ev.Status}
	if ev.Status.IsTerminal() {
		out.Message = "already " + string(ev.Status)
		return out, nil
	}
	if ev.Status == domain.StatusRunning && !force {
		out.Message = "evaluation is running; cancel requires force=true"
		return out, nil
	}

	if ev.Status == domain.StatusQueued || ev.Status == domain.StatusProvisioning {
		// Pull the message before a worker picks it up. Dropping an absent
		// message is fine: the dispatcher's guarded transitions consume any
		// straggler as a no-op.
		if _, derr := s.Queue.Drop(ctx, id, ev.Priority); derr != nil {
			lg.Warn("queue drop failed during cancel", "eval_id", id, "error", derr)
		}
	}
	if ev.Status == domain.StatusRunning {
		// Bounded and best-effort; the executor lease expires regardless of
		// whether the stop is ever acknowledged.
		if serr := s.Client.Stop(ctx, ev.ExecutorID, id); serr != nil {
			lg.Warn("executor stop failed during cancel",
				"eval_id", id, "executor", ev.ExecutorID, "error", serr)
		}
	}

	msg := "cancelled by user"
	ok, err := s.Repo.Finish(ctx, id, domain.TerminalResult{
		Status: domain.StatusCancelled,
		Error:  domain.OutputBlob{Preview: msg, Size: int64(len(msg))},
	})
	if err != nil {
		return domain.CancelOutcome{}, err
	}
	if !ok {
		// Lost the race to another terminal transition; report what won.
		if fresh, gerr := s.Repo.Get(ctx, id); gerr == nil {
			out.PreviousStatus = fresh.Status
			out.Message = "already " + string(fresh.Status)
			return out, nil
		}
		out.Message = "not cancelled; state changed concurrently"
		return out, nil
	}

	out.Cancelled = true
	out.Message = "cancelled"
	observability.EvaluationsFinishedTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()

	cancelled := ev
	cancelled.Status = domain.StatusCancelled
	cancelled.Error = msg
	publishEvent(ctx, s.Events, s.EventLog, domain.NewEvent(cancelled, time.Now().UTC()))
	if rerr := s.Running.Remove(ctx, id); rerr != nil {
		lg.Warn("running-index remove failed during cancel", "eval_id", id, "error", rerr)
	}
	return out, nil
}

// List pages evaluations from durable storage; the reported status is
// always the stored one.
func (s LifecycleService) List(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, f.Status)
	}
	return s.Repo.List(ctx, f)
}

// Statistics merges durable counters with the dead-letter queue size.
func (s LifecycleService) Statistics(ctx domain.Context) (domain.EvaluationStats, error) {
	stats, err := s.Repo.Statistics(ctx)
	if err != nil {
		return domain.EvaluationStats{}, err
	}
	size, err := s.DLQ.Size(ctx)
	if err != nil {
		return domain.EvaluationStats{}, fmt.Errorf("op=lifecycle.statistics dlq: %w", err)
	}
	stats.DLQSize = size
	return stats, nil
}

// PurgeOlderThan deletes terminal evaluations submitted more than days ago,
// together with their event log rows. Returns how many were removed.
func (s LifecycleService) PurgeOlderThan(ctx domain.Context, days int) (int64, error) {
	if days < 1 {
		return 0, fmt.Errorf("%w: older_than_days must be >= 1", domain.ErrInvalidArgument)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return s.Repo.PurgeTerminalBefore(ctx, cutoff)
}

func (s LifecycleService) maxCodeBytes() int64 {
	if s.MaxCodeBytes > 0 {
		return s.MaxCodeBytes
	}
	return DefaultMaxCodeBytes
}

func (s LifecycleService) maxTimeoutSecs() int {
	if s.MaxTimeoutSecs > 0 {
		return s.MaxTimeoutSecs
	}
	return DefaultMaxTimeoutSecs
}

func (s LifecycleService) maxQueueDepth() int64 {
	if s.MaxQueueDepth > 0 {
		return s.MaxQueueDepth
	}
	return DefaultMaxQueueDepth
}

// publishEvent fans one lifecycle event out to pub/sub and the durable
// event log. Both paths are best-effort: a broker outage must not fail the
// state change that produced the event.
func publishEvent(ctx domain.Context, pub domain.EventPublisher, log domain.EventRepository, ev domain.EvaluationEvent) {
	lg := observability.LoggerFromContext(ctx)
	if pub != nil {
		if err := pub.Publish(ctx, ev); err != nil {
			lg.Warn("event publish failed",
				"eval_id", ev.EvalID, "status", string(ev.Status), "error", err)
		}
	}
	if log != nil {
		if err := log.Append(ctx, ev.EvalID, ev); err != nil {
			lg.Warn("event log append failed",
				"eval_id", ev.EvalID, "status", string(ev.Status), "error", err)
		}
	}
}
