// Package events publishes evaluation lifecycle events on Redis pub/sub,
// one channel per status. Subscribers are stateless; the durable record in
// Postgres stays authoritative.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

var tracer = otel.Tracer("adapter.events")

// Publisher emits events on evaluation:{status} channels.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish serializes the event and fires it at its status channel. Zero
// subscribers is not an error.
func (p *Publisher) Publish(ctx domain.Context, ev domain.EvaluationEvent) error {
	ctx, span := tracer.Start(ctx, "events.publish", trace.WithAttributes(
		attribute.String("eval_id", ev.EvalID),
		attribute.String("status", string(ev.Status)),
	))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.Publish: %w", err)
	}
	if err := p.rdb.Publish(ctx, ev.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("op=events.Publish: %w", err)
	}
	return nil
}

// Multi fans one event out to several publishers. The first error is
// returned after every publisher ran; event delivery is best effort and
// consumers tolerate gaps by reconciling against durable storage.
type Multi []domain.EventPublisher

func (m Multi) Publish(ctx domain.Context, ev domain.EvaluationEvent) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
