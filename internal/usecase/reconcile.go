package usecase

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// sweepPageSize bounds how many stale candidates one pass inspects.
const sweepPageSize = 100

// Reconciler is the periodic repair loop: it drops running-index entries
// whose evaluation already finished, recovers expired executor leases, and
// fails evaluations stuck in flight past their lease (worker crashed after
// the provisioning write, before any requeue or terminal write landed).
type Reconciler struct {
	Repo     domain.EvaluationRepository
	Running  domain.RunningIndex
	Pool     domain.ExecutorPool
	Events   domain.EventPublisher
	EventLog domain.EventRepository

	// Interval paces index and pool repair; SweepInterval paces the
	// slower stuck-evaluation sweep.
	Interval      time.Duration
	SweepInterval time.Duration
	LeaseSlack    time.Duration
}

// Run blocks until ctx is done. The first pass runs everything immediately
// so a restart repairs state without waiting.
func (r *Reconciler) Run(ctx domain.Context) {
	if r == nil || r.Repo == nil {
		return
	}
	repair := time.NewTicker(r.interval())
	defer repair.Stop()
	sweep := time.NewTicker(r.sweepInterval())
	defer sweep.Stop()

	r.runOnce(ctx)
	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			observability.LoggerFromContext(ctx).Info("reconciler stopping")
			return
		case <-repair.C:
			r.runOnce(ctx)
		case <-sweep.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx domain.Context) {
	tracer := otel.Tracer("usecase.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.runOnce")
	defer span.End()

	removed := r.reconcileIndex(ctx)
	recovered := r.recoverPool(ctx)

	span.SetAttributes(
		attribute.Int("reconcile.index_removed", removed),
		attribute.Int("reconcile.pool_recovered", recovered),
	)
}

func (r *Reconciler) sweepOnce(ctx domain.Context) {
	tracer := otel.Tracer("usecase.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.sweepOnce")
	defer span.End()

	span.SetAttributes(attribute.Int("reconcile.swept_failed", r.sweepStale(ctx)))
}

// reconcileIndex removes index entries whose evaluation is terminal or
// gone. The index is advisory, so every repair here is safe to repeat.
func (r *Reconciler) reconcileIndex(ctx domain.Context) int {
	if r.Running == nil {
		return 0
	}
	lg := observability.LoggerFromContext(ctx)
	ids, err := r.Running.List(ctx)
	if err != nil {
		lg.Error("running-index list failed", "error", err)
		return 0
	}
	removed := 0
	for _, id := range ids {
		ev, err := r.Repo.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// Record purged by retention; the entry is an orphan.
		case err != nil:
			lg.Error("running-index reconcile lookup failed", "eval_id", id, "error", err)
			continue
		case !ev.Status.IsTerminal():
			continue
		}
		if rerr := r.Running.Remove(ctx, id); rerr != nil {
			lg.Error("running-index remove failed", "eval_id", id, "error", rerr)
			continue
		}
		removed++
	}
	if removed > 0 {
		lg.Info("running-index reconciled", "removed", removed)
	}
	return removed
}

func (r *Reconciler) recoverPool(ctx domain.Context) int {
	if r.Pool == nil {
		return 0
	}
	lg := observability.LoggerFromContext(ctx)
	n, err := r.Pool.RecoverStale(ctx)
	if err != nil {
		lg.Error("executor lease recovery failed", "error", err)
		return 0
	}
	if n > 0 {
		lg.Warn("recovered stale executor leases", "count", n)
	}
	return n
}

// sweepStale fails provisioning/running evaluations untouched longer than
// their lease. Queued rows are backlog, not stuck, and are left alone. The
// guarded Finish makes the sweep lose cleanly to a worker that is in fact
// still making progress.
func (r *Reconciler) sweepStale(ctx domain.Context) int {
	lg := observability.LoggerFromContext(ctx)
	slack := r.slack()
	now := time.Now().UTC()

	stale, err := r.Repo.FindStale(ctx, now.Add(-slack), sweepPageSize)
	if err != nil {
		lg.Error("stale sweep list failed", "error", err)
		return 0
	}

	swept := 0
	for _, ev := range stale {
		if ev.Status != domain.StatusProvisioning && ev.Status != domain.StatusRunning {
			continue
		}
		lease := 2*time.Duration(ev.TimeoutSecs)*time.Second + slack
		idle := now.Sub(ev.UpdatedAt)
		if idle <= lease {
			continue
		}

		msg := fmt.Sprintf("evaluation stuck in %s beyond its lease; failed by reconciler", ev.Status)
		ok, ferr := r.Repo.Finish(ctx, ev.ID, domain.TerminalResult{
			Status: domain.StatusFailed,
			Error:  domain.OutputBlob{Preview: msg, Size: int64(len(msg))},
		})
		if ferr != nil {
			lg.Error("stale sweep finish failed", "eval_id", ev.ID, "error", ferr)
			continue
		}
		if !ok {
			continue
		}
		swept++
		lg.Warn("stale evaluation failed by reconciler",
			"eval_id", ev.ID, "previous_status", string(ev.Status), "idle", idle.String())
		observability.EvaluationsFinishedTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		publishEvent(ctx, r.Events, r.EventLog, domain.EvaluationEvent{
			EvalID:      ev.ID,
			Status:      domain.StatusFailed,
			Timestamp:   now,
			Queue:       ev.Queue,
			Attempt:     ev.Attempt,
			TimeoutSecs: ev.TimeoutSecs,
			Error:       msg,
		})
		if r.Running != nil {
			if rerr := r.Running.Remove(ctx, ev.ID); rerr != nil {
				lg.Warn("running-index remove failed", "eval_id", ev.ID, "error", rerr)
			}
		}
	}
	return swept
}

func (r *Reconciler) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return time.Minute
}

func (r *Reconciler) sweepInterval() time.Duration {
	if r.SweepInterval > 0 {
		return r.SweepInterval
	}
	return 2 * time.Minute
}

func (r *Reconciler) slack() time.Duration {
	if r.LeaseSlack > 0 {
		return r.LeaseSlack
	}
	return domain.DefaultLeaseSlack
}
