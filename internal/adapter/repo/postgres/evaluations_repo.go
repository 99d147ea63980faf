package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EvaluationRepo persists evaluations in PostgreSQL. Every state change is
// a conditional update guarded by the transition relation, so a lost race
// surfaces as rows-affected == 0 rather than a corrupted row.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

const evalColumns = `id, code, language, engine, timeout_secs, priority, queue, status, attempt,
	output, output_truncated, output_size, output_location,
	error, error_truncated, error_size, error_location,
	exit_code, executor_id, container_id, runtime_ms,
	submitted_at, updated_at, started_at, completed_at`

// Create inserts a new evaluation in its submitted state.
func (r *EvaluationRepo) Create(ctx domain.Context, ev domain.Evaluation) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Create")
	defer span.End()

	now := time.Now().UTC()
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = now
	}
	q := `INSERT INTO evaluations
		(id, code, language, engine, timeout_secs, priority, queue, status, attempt, submitted_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q,
		ev.ID, ev.Code, ev.Language, ev.Engine, ev.TimeoutSecs, ev.Priority,
		ev.Queue, ev.Status, ev.Attempt, ev.SubmittedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=eval.create: %w: id %s", domain.ErrConflict, ev.ID)
		}
		return fmt.Errorf("op=eval.create: %w", err)
	}
	return nil
}

// Get loads an evaluation by id.
func (r *EvaluationRepo) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE id=$1`, id)
	ev, err := scanEvaluation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", err)
	}
	return ev, nil
}

// MarkProvisioning moves queued → provisioning and pins the executor.
func (r *EvaluationRepo) MarkProvisioning(ctx domain.Context, id, executorID string, attempt int) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.MarkProvisioning")
	defer span.End()

	q := `UPDATE evaluations
		SET status=$2, executor_id=$3, attempt=$4, updated_at=$5
		WHERE id=$1 AND status = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.StatusProvisioning, executorID, attempt,
		time.Now().UTC(), statusList(domain.TransitionSources(domain.StatusProvisioning)))
	if err != nil {
		return false, fmt.Errorf("op=eval.mark_provisioning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRunning moves provisioning → running. The executor guard rejects a
// stale dispatcher whose claim was reassigned.
func (r *EvaluationRepo) MarkRunning(ctx domain.Context, id, executorID string, startedAt time.Time) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.MarkRunning")
	defer span.End()

	q := `UPDATE evaluations
		SET status=$2, started_at=$3, updated_at=$4
		WHERE id=$1 AND status = ANY($5) AND executor_id=$6`
	tag, err := r.Pool.Exec(ctx, q, id, domain.StatusRunning, startedAt,
		time.Now().UTC(), statusList(domain.TransitionSources(domain.StatusRunning)), executorID)
	if err != nil {
		return false, fmt.Errorf("op=eval.mark_running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkQueued returns a non-terminal evaluation to queued and clears the
// executor pin, for a later dispatch attempt.
func (r *EvaluationRepo) MarkQueued(ctx domain.Context, id string, attempt int) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.MarkQueued")
	defer span.End()

	q := `UPDATE evaluations
		SET status=$2, executor_id='', container_id='', attempt=$3, updated_at=$4
		WHERE id=$1 AND status = ANY($5)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.StatusQueued, attempt,
		time.Now().UTC(), statusList(domain.TransitionSources(domain.StatusQueued)))
	if err != nil {
		return false, fmt.Errorf("op=eval.mark_queued: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish applies a terminal result exactly once. Rows already terminal are
// left untouched and report false, which keeps outputs frozen.
func (r *EvaluationRepo) Finish(ctx domain.Context, id string, res domain.TerminalResult) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Finish")
	defer span.End()

	if !res.Status.IsTerminal() {
		return false, fmt.Errorf("op=eval.finish: %w: %s is not terminal", domain.ErrInvalidArgument, res.Status)
	}
	q := `UPDATE evaluations SET
		status=$2,
		output=$3, output_truncated=$4, output_size=$5, output_location=$6,
		error=$7, error_truncated=$8, error_size=$9, error_location=$10,
		exit_code=$11, container_id=$12, runtime_ms=$13,
		executor_id='',
		completed_at=$14, updated_at=$14
		WHERE id=$1 AND status = ANY($15)`
	tag, err := r.Pool.Exec(ctx, q, id, res.Status,
		res.Output.Preview, res.Output.Truncated, res.Output.Size, res.Output.Location,
		res.Error.Preview, res.Error.Truncated, res.Error.Size, res.Error.Location,
		res.ExitCode, res.ContainerID, res.RuntimeMS,
		time.Now().UTC(), statusList(domain.TransitionSources(res.Status)))
	if err != nil {
		return false, fmt.Errorf("op=eval.finish: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reopen returns a failed evaluation to queued with wiped outputs. Only the
// dead-letter retry path calls this; the guard on status=failed means a row
// already resubmitted (or never dead-lettered) reports false.
func (r *EvaluationRepo) Reopen(ctx domain.Context, id string, attempt int) (bool, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Reopen")
	defer span.End()

	q := `UPDATE evaluations SET
		status=$2, attempt=$3,
		output='', output_truncated=FALSE, output_size=0, output_location='',
		error='', error_truncated=FALSE, error_size=0, error_location='',
		exit_code=NULL, runtime_ms=0,
		executor_id='', container_id='',
		started_at=NULL, completed_at=NULL, updated_at=$4
		WHERE id=$1 AND status=$5`
	tag, err := r.Pool.Exec(ctx, q, id, domain.StatusQueued, attempt,
		time.Now().UTC(), domain.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("op=eval.reopen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// List pages evaluations, optionally filtered by status. Sort column and
// order are whitelisted here regardless of upstream validation.
func (r *EvaluationRepo) List(ctx domain.Context, f domain.ListFilter) ([]domain.Evaluation, int64, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.List")
	defer span.End()

	sortBy := map[string]string{
		"submitted_at": "submitted_at",
		"updated_at":   "updated_at",
		"priority":     "priority",
	}[f.SortBy]
	if sortBy == "" {
		sortBy = "submitted_at"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if f.Status != "" {
		where = "WHERE status=$1"
		args = append(args, f.Status)
	}

	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM evaluations `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=eval.list count: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM evaluations %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		evalColumns, where, sortBy, order, limit, offset)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=eval.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=eval.list scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=eval.list rows: %w", err)
	}
	return out, total, nil
}

// FindStale returns non-terminal evaluations untouched since before,
// oldest first. The sweeper uses this to find work lost to crashes.
func (r *EvaluationRepo) FindStale(ctx domain.Context, before time.Time, limit int) ([]domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.FindStale")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + evalColumns + ` FROM evaluations
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, statusList(domain.NonTerminalStatuses()), before, limit)
	if err != nil {
		return nil, fmt.Errorf("op=eval.find_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=eval.find_stale scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=eval.find_stale rows: %w", err)
	}
	return out, nil
}

// Statistics aggregates counts by status and average runtime over terminal
// evaluations. DLQ size is merged in by the caller, which owns that store.
func (r *EvaluationRepo) Statistics(ctx domain.Context) (domain.EvaluationStats, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Statistics")
	defer span.End()

	stats := domain.EvaluationStats{ByStatus: map[domain.EvaluationStatus]int64{}}
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM evaluations GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("op=eval.statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.EvaluationStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("op=eval.statistics scan: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("op=eval.statistics rows: %w", err)
	}

	q := `SELECT COALESCE(AVG(runtime_ms), 0) FROM evaluations WHERE status = ANY($1) AND runtime_ms > 0`
	terminal := []domain.EvaluationStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled,
	}
	if err := r.Pool.QueryRow(ctx, q, statusList(terminal)).Scan(&stats.AvgRuntimeMS); err != nil {
		return stats, fmt.Errorf("op=eval.statistics avg: %w", err)
	}
	return stats, nil
}

// PurgeTerminalBefore deletes terminal evaluations submitted before cutoff
// together with their event log rows.
func (r *EvaluationRepo) PurgeTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.PurgeTerminalBefore")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=eval.purge begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	terminal := []domain.EvaluationStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled,
	}
	_, err = tx.Exec(ctx, `DELETE FROM evaluation_events WHERE eval_id IN (
			SELECT id FROM evaluations WHERE status = ANY($1) AND submitted_at < $2)`,
		statusList(terminal), cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=eval.purge events: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM evaluations WHERE status = ANY($1) AND submitted_at < $2`,
		statusList(terminal), cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=eval.purge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=eval.purge commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanEvaluation reads one row in evalColumns order.
func scanEvaluation(row pgx.Row) (domain.Evaluation, error) {
	var ev domain.Evaluation
	err := row.Scan(
		&ev.ID, &ev.Code, &ev.Language, &ev.Engine, &ev.TimeoutSecs, &ev.Priority,
		&ev.Queue, &ev.Status, &ev.Attempt,
		&ev.Output, &ev.OutputTruncated, &ev.OutputSize, &ev.OutputLocation,
		&ev.Error, &ev.ErrorTruncated, &ev.ErrorSize, &ev.ErrorLocation,
		&ev.ExitCode, &ev.ExecutorID, &ev.ContainerID, &ev.RuntimeMS,
		&ev.SubmittedAt, &ev.UpdatedAt, &ev.StartedAt, &ev.CompletedAt,
	)
	return ev, err
}

// statusList converts statuses for ANY($n) parameters.
func statusList(statuses []domain.EvaluationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isUniqueViolation detects PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
