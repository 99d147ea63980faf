package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// EventRepo appends lifecycle events to an append-only log keyed by
// evaluation id. Ordering per evaluation comes from the seq bigserial.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append records one event. The full payload is stored as JSONB so new
// event fields never need a schema change.
func (r *EventRepo) Append(ctx domain.Context, evalID string, ev domain.EvaluationEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()

	if evalID == "" {
		return fmt.Errorf("op=event.append: %w: empty eval_id", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=event.append marshal: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO evaluation_events (eval_id, status, payload, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, evalID, ev.Status, payload, ts); err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	return nil
}

// ListByEvaluation returns the event history for one evaluation in append
// order, capped at limit.
func (r *EventRepo) ListByEvaluation(ctx domain.Context, evalID string, limit int) ([]domain.EvaluationEventRecord, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByEvaluation")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq, eval_id, status, payload, created_at FROM evaluation_events
		WHERE eval_id=$1 ORDER BY seq ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, evalID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationEventRecord
	for rows.Next() {
		var rec domain.EvaluationEventRecord
		if err := rows.Scan(&rec.Seq, &rec.EvalID, &rec.Status, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=event.list scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list rows: %w", err)
	}
	return out, nil
}
