package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
	"github.com/fairyhunter13/code-sandbox-evaluator/pkg/textx"
)

// claimProbeLimit bounds how many claimed executors are health-probed per
// attempt before the attempt is requeued as no-healthy.
const claimProbeLimit = 3

// eventErrorSnippet caps the error text carried on published events; the
// full text lives on the record and in the blob store.
const eventErrorSnippet = 512

// releaseTimeout bounds the pool release issued on the way out of an
// attempt, including during shutdown.
const releaseTimeout = 5 * time.Second

// DispatchService runs one evaluation attempt end to end: claim an
// executor, pin it durably, execute, persist the terminal result, publish
// events, release the claim. It implements domain.DispatchHandler; the
// queue loop interprets the returned outcome and owns re-enqueueing.
type DispatchService struct {
	Repo     domain.EvaluationRepository
	EventLog domain.EventRepository
	Pool     domain.ExecutorPool
	Client   domain.ExecutorClient
	Running  domain.RunningIndex
	Events   domain.EventPublisher
	DLQ      domain.DeadLetterQueue
	Blobs    domain.BlobStore

	Policy domain.RetryPolicy

	// Lease and ExecTimeout map an evaluation's timeout to the pool lease
	// and the per-call execute deadline; the worker passes the config
	// helpers here. Nil fields fall back to the domain defaults.
	Lease       func(timeoutSecs int) time.Duration
	ExecTimeout func(timeoutSecs int) time.Duration
	PreviewCap  int
}

// HandleTask drives the state machine for one dequeued task.
func (s DispatchService) HandleTask(ctx domain.Context, task domain.EvalTask, queue string) domain.DispatchOutcome {
	lg := observability.LoggerFromContext(ctx).With(
		"eval_id", task.EvalID,
		"queue", queue,
		"attempt", task.Attempt,
		"dispatch_id", uuid.NewString(),
	)
	if task.EvalID == "" {
		lg.Error("dropping task without eval_id")
		return domain.TerminalOutcome(domain.FailureInternal, errors.New("task without eval_id"))
	}

	url, err := s.claimHealthy(ctx, lg, task)
	if err != nil {
		// Nothing was claimed and the record never left queued, so the
		// retry needs no durable transition.
		cls := domain.ClassifyError(err, s.policy())
		if errors.Is(err, domain.ErrNoCapacity) || errors.Is(err, domain.ErrNoHealthyExecutor) {
			cls = domain.Classification{Retryable: true, Class: domain.FailureNoCapacity, Policy: s.policy()}
		}
		return s.retryOrDeadLetter(ctx, lg, task, queue, cls, err, false)
	}
	defer s.releaseClaim(ctx, lg, url)
	lg = lg.With("executor", url)

	ok, err := s.Repo.MarkProvisioning(ctx, task.EvalID, url, task.Attempt)
	if err != nil {
		// Ambiguous write: returnToQueued inside the retry path repairs
		// whichever state the row actually reached.
		cls := domain.Classification{Retryable: true, Class: domain.FailureInternal, Policy: s.policy()}
		return s.retryOrDeadLetter(ctx, lg, task, queue, cls, fmt.Errorf("op=dispatch.provision: %w", err), true)
	}
	if !ok {
		s.logSuperseded(ctx, lg, task.EvalID)
		return domain.SuccessOutcome()
	}

	now := time.Now().UTC()
	s.publish(ctx, domain.EvaluationEvent{
		EvalID: task.EvalID, Status: domain.StatusProvisioning, Timestamp: now,
		Queue: queue, Attempt: task.Attempt, TimeoutSecs: task.TimeoutSecs, ExecutorID: url,
	})
	if ierr := s.Running.Upsert(ctx, domain.RunningEntry{
		EvalID:      task.EvalID,
		ExecutorID:  url,
		StartedAt:   now,
		TimeoutSecs: task.TimeoutSecs,
	}); ierr != nil {
		lg.Warn("running-index upsert failed", "error", ierr)
	}

	started := time.Now()
	ok, err = s.Repo.MarkRunning(ctx, task.EvalID, url, started.UTC())
	if err != nil {
		cls := domain.Classification{Retryable: true, Class: domain.FailureInternal, Policy: s.policy()}
		return s.retryOrDeadLetter(ctx, lg, task, queue, cls, fmt.Errorf("op=dispatch.run: %w", err), true)
	}
	if !ok {
		s.logSuperseded(ctx, lg, task.EvalID)
		return domain.SuccessOutcome()
	}
	s.publish(ctx, domain.EvaluationEvent{
		EvalID: task.EvalID, Status: domain.StatusRunning, Timestamp: started.UTC(),
		Queue: queue, Attempt: task.Attempt, TimeoutSecs: task.TimeoutSecs, ExecutorID: url,
	})

	execCtx, cancel := context.WithTimeout(ctx, s.executeDeadline(task.TimeoutSecs))
	res, execErr := s.Client.Execute(execCtx, url, domain.ExecRequest{
		EvalID:        task.EvalID,
		Code:          task.Code,
		Language:      task.Language,
		TimeoutSecs:   task.TimeoutSecs,
		PriorityClass: string(domain.ClassForPriority(task.Priority)),
	})
	cancel()
	wallMS := time.Since(started).Milliseconds()

	if execErr != nil {
		// The run may survive a failed call on the executor side; it is
		// left alone so a retry joins it instead of starting a second
		// container. The sandbox bounds the orphan by the submission's own
		// timeout.
		return s.retryOrDeadLetter(ctx, lg, task, queue, s.classify(execErr), execErr, true)
	}
	return s.finish(ctx, lg, task, queue, res, wallMS)
}

// claimHealthy claims an executor whose health probe passes. Unhealthy
// claims go straight back to the pool and the next URL is tried.
func (s DispatchService) claimHealthy(ctx domain.Context, lg *slog.Logger, task domain.EvalTask) (string, error) {
	lease := s.leaseFor(task.TimeoutSecs)
	var lastErr error
	for i := 0; i < claimProbeLimit; i++ {
		url, err := s.Pool.Claim(ctx, task.EvalID, lease)
		if err != nil {
			return "", err
		}
		if herr := s.Client.Healthy(ctx, url); herr != nil {
			lg.Warn("claimed executor failed health probe; releasing",
				"executor", url, "error", herr)
			s.releaseClaim(ctx, lg, url)
			lastErr = herr
			continue
		}
		return url, nil
	}
	return "", fmt.Errorf("%w: %d claims failed their probe, last: %v",
		domain.ErrNoHealthyExecutor, claimProbeLimit, lastErr)
}

// retryOrDeadLetter routes a failed attempt: terminal classifications and
// exhausted budgets dead-letter, everything else is scheduled for retry.
// inFlight marks attempts whose record may have left queued and therefore
// needs the durable requeue transition.
func (s DispatchService) retryOrDeadLetter(ctx domain.Context, lg *slog.Logger, task domain.EvalTask, queue string, cls domain.Classification, cause error, inFlight bool) domain.DispatchOutcome {
	failures := task.Attempt + 1
	if !cls.Retryable || cls.Policy.Exhausted(failures) {
		return s.deadLetter(ctx, lg, task, queue, cls, cause)
	}
	if inFlight && !s.returnToQueued(ctx, lg, task, queue, failures) {
		return domain.SuccessOutcome()
	}
	delay := cls.Policy.Delay(task.Attempt)
	lg.Warn("dispatch attempt failed; retry scheduled",
		"class", string(cls.Class), "delay", delay.String(), "error", cause)
	return domain.RequeueOutcome(delay, cls.Class, cause)
}

// returnToQueued reflects a pending retry in durable state and publishes
// the queued event. Returns false when the evaluation is already terminal
// (a cancel or the reconciler won) and the retry must be dropped.
func (s DispatchService) returnToQueued(ctx domain.Context, lg *slog.Logger, task domain.EvalTask, queue string, failures int) bool {
	ok, err := s.Repo.MarkQueued(ctx, task.EvalID, failures)
	if err != nil {
		// The retry is scheduled anyway: the next attempt's guarded
		// provisioning update sorts out whichever state the row is in, and
		// the reconciler backstops a row stuck in flight.
		lg.Error("mark queued failed", "error", err)
		return true
	}
	if !ok {
		if ev, gerr := s.Repo.Get(ctx, task.EvalID); gerr == nil && ev.Status.IsTerminal() {
			lg.Info("dropping retry; evaluation already terminal", "status", string(ev.Status))
			return false
		}
		return true
	}
	s.publish(ctx, domain.EvaluationEvent{
		EvalID: task.EvalID, Status: domain.StatusQueued, Timestamp: time.Now().UTC(),
		Queue: queue, Attempt: failures, TimeoutSecs: task.TimeoutSecs,
	})
	if rerr := s.Running.Remove(ctx, task.EvalID); rerr != nil {
		lg.Warn("running-index remove failed", "error", rerr)
	}
	return true
}

// deadLetter absorbs a task that will not be retried. The DLQ entry is
// written first so the failure trail survives even when the durable update
// cannot be delivered.
func (s DispatchService) deadLetter(ctx domain.Context, lg *slog.Logger, task domain.EvalTask, queue string, cls domain.Classification, cause error) domain.DispatchOutcome {
	failures := task.Attempt + 1
	now := time.Now().UTC()
	msg := cause.Error()
	if err := s.DLQ.Add(ctx, domain.DeadLetterTask{
		TaskID:        task.TaskID(),
		TaskName:      domain.TaskName,
		EvalID:        task.EvalID,
		Queue:         queue,
		Task:          task,
		ErrorClass:    cls.Class,
		ErrorMessage:  msg,
		ErrorHistory:  []string{fmt.Sprintf("attempt %d: %s", failures, msg)},
		RetryCount:    failures,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}); err != nil {
		lg.Error("dead-letter add failed", "error", err)
	}

	ok, err := s.Repo.Finish(ctx, task.EvalID, domain.TerminalResult{
		Status: domain.StatusFailed,
		Error:  s.blobFor(ctx, lg, task.EvalID, "error", msg),
	})
	switch {
	case err != nil:
		lg.Error("finish after dead-letter failed", "error", err)
	case ok:
		observability.EvaluationsFinishedTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		s.publish(ctx, domain.EvaluationEvent{
			EvalID: task.EvalID, Status: domain.StatusFailed, Timestamp: now,
			Queue: queue, Attempt: failures, TimeoutSecs: task.TimeoutSecs,
			Error: textx.TruncateBytes(msg, eventErrorSnippet),
		})
	}
	if rerr := s.Running.Remove(ctx, task.EvalID); rerr != nil {
		lg.Warn("running-index remove failed", "error", rerr)
	}
	lg.Error("task dead-lettered",
		"class", string(cls.Class), "retries", failures, "error", cause)
	return domain.TerminalOutcome(cls.Class, cause)
}

// finish persists the executor's terminal answer. An executor-reported
// failure is a normal outcome, never a retry: user code is not re-run.
func (s DispatchService) finish(ctx domain.Context, lg *slog.Logger, task domain.EvalTask, queue string, res domain.ExecResult, wallMS int64) domain.DispatchOutcome {
	if !res.Status.IsTerminal() {
		err := fmt.Errorf("executor returned non-terminal status %q", res.Status)
		cls := domain.Classification{Retryable: true, Class: domain.FailureInternal, Policy: s.policy()}
		return s.retryOrDeadLetter(ctx, lg, task, queue, cls, err, true)
	}

	exit := res.ExitCode
	runMS := res.RuntimeMS
	if runMS <= 0 {
		runMS = wallMS
	}
	ok, err := s.Repo.Finish(ctx, task.EvalID, domain.TerminalResult{
		Status:      res.Status,
		Output:      s.blobFor(ctx, lg, task.EvalID, "output", res.Output),
		Error:       s.blobFor(ctx, lg, task.EvalID, "error", res.Error),
		ExitCode:    &exit,
		ContainerID: res.ContainerID,
		RuntimeMS:   runMS,
	})
	if err != nil {
		// A retry re-posts the same eval_id; the executor serves it from
		// its result cache, so this degrades to a persist retry.
		cls := domain.Classification{Retryable: true, Class: domain.FailureInternal, Policy: s.policy()}
		return s.retryOrDeadLetter(ctx, lg, task, queue, cls, fmt.Errorf("op=dispatch.finish: %w", err), true)
	}
	if !ok {
		// Cancel won between the executor answering and this write; the
		// result is discarded and the cancelled outputs stay frozen.
		s.logSuperseded(ctx, lg, task.EvalID)
		if rerr := s.Running.Remove(ctx, task.EvalID); rerr != nil {
			lg.Warn("running-index remove failed", "error", rerr)
		}
		return domain.SuccessOutcome()
	}

	observability.EvaluationsFinishedTotal.WithLabelValues(string(res.Status)).Inc()
	observability.EvaluationRuntime.WithLabelValues(task.Language).Observe(float64(runMS) / 1000)

	s.publish(ctx, domain.EvaluationEvent{
		EvalID: task.EvalID, Status: res.Status, Timestamp: time.Now().UTC(),
		Queue: queue, Attempt: task.Attempt, TimeoutSecs: task.TimeoutSecs,
		ExitCode: &exit, ContainerID: res.ContainerID,
		Error: textx.TruncateBytes(res.Error, eventErrorSnippet), RuntimeMS: runMS,
	})
	if rerr := s.Running.Remove(ctx, task.EvalID); rerr != nil {
		lg.Warn("running-index remove failed", "error", rerr)
	}
	lg.Info("evaluation finished",
		"status", string(res.Status), "exit_code", exit, "runtime_ms", runMS)
	return domain.SuccessOutcome()
}

// releaseClaim returns url to the pool on a context detached from
// cancellation: the lease must go back even during shutdown. Lease expiry
// recovers it if this fails.
func (s DispatchService) releaseClaim(ctx domain.Context, lg *slog.Logger, url string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := s.Pool.Release(rctx, url); err != nil {
		lg.Warn("executor release failed; lease expiry will recover it",
			"executor", url, "error", err)
	}
}

// blobFor enforces the preview cap: content beyond it is spilled to the
// blob store and the record keeps the head plus a location pointer. A
// spill failure degrades to plain truncation so the terminal write still
// lands.
func (s DispatchService) blobFor(ctx domain.Context, lg *slog.Logger, evalID, channel, content string) domain.OutputBlob {
	size := int64(len(content))
	capBytes := s.previewCap()
	if len(content) <= capBytes {
		return domain.OutputBlob{Preview: content, Size: size}
	}
	blob := domain.OutputBlob{Preview: textx.TruncateBytes(content, capBytes), Truncated: true, Size: size}
	if s.Blobs == nil {
		return blob
	}
	loc, err := s.Blobs.Put(ctx, evalID+"-"+channel, []byte(content))
	if err != nil {
		lg.Warn("blob spill failed; keeping preview only", "channel", channel, "error", err)
		return blob
	}
	blob.Location = loc
	return blob
}

func (s DispatchService) classify(err error) domain.Classification {
	var uerr *domain.UpstreamStatusError
	if errors.As(err, &uerr) {
		return domain.ClassifyHTTPStatus(uerr.Code, s.policy())
	}
	return domain.ClassifyError(err, s.policy())
}

// logSuperseded records a guarded transition that found the evaluation
// already moved on, normally by a cancel.
func (s DispatchService) logSuperseded(ctx domain.Context, lg *slog.Logger, evalID string) {
	if ev, err := s.Repo.Get(ctx, evalID); err == nil {
		lg.Info("dispatch superseded; leaving evaluation as is", "status", string(ev.Status))
	} else {
		lg.Info("dispatch superseded; evaluation not found")
	}
}

func (s DispatchService) publish(ctx domain.Context, ev domain.EvaluationEvent) {
	publishEvent(ctx, s.Events, s.EventLog, ev)
}

func (s DispatchService) policy() domain.RetryPolicy {
	if s.Policy.MaxRetries > 0 {
		return s.Policy
	}
	return domain.DefaultRetryPolicy()
}

func (s DispatchService) leaseFor(timeoutSecs int) time.Duration {
	if s.Lease != nil {
		return s.Lease(timeoutSecs)
	}
	return domain.LeaseFor(timeoutSecs, 0)
}

func (s DispatchService) executeDeadline(timeoutSecs int) time.Duration {
	if s.ExecTimeout != nil {
		return s.ExecTimeout(timeoutSecs)
	}
	return domain.ExecuteDeadline(timeoutSecs, 0)
}

func (s DispatchService) previewCap() int {
	if s.PreviewCap > 0 {
		return s.PreviewCap
	}
	return domain.DefaultPreviewCap
}
