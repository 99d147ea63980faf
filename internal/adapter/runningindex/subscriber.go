package runningindex

import (
	"context"
	"encoding/json"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// Subscriber keeps the index in lockstep with the lifecycle event stream:
// provisioning/running events upsert, every other status removes. Handlers
// are stateless and idempotent so replays and the periodic reconciler can
// overlap safely.
type Subscriber struct {
	rdb   *redis.Client
	index *Index
}

func NewSubscriber(rdb *redis.Client, index *Index) *Subscriber {
	return &Subscriber{rdb: rdb, index: index}
}

// Run consumes all lifecycle channels until ctx is done, reconnecting with
// exponential backoff when the subscription drops.
func (s *Subscriber) Run(ctx domain.Context) {
	lg := observability.LoggerFromContext(ctx)
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0 // retry forever; ctx bounds the loop
	expo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			lg.Info("running-index subscriber stopping")
			return
		}
		wait := expo.NextBackOff()
		lg.Warn("event subscription dropped; reconnecting",
			"error", err, "backoff", wait.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) consume(ctx domain.Context) error {
	sub := s.rdb.Subscribe(ctx, domain.AllEventChannels()...)
	defer func() { _ = sub.Close() }()

	// Force the subscription handshake so failures surface here rather
	// than as a silently empty channel.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return context.Canceled
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

// handle applies one event to the index. Malformed payloads are dropped;
// the reconciler repairs any resulting drift.
func (s *Subscriber) handle(ctx domain.Context, payload string) {
	lg := observability.LoggerFromContext(ctx)
	var ev domain.EvaluationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		lg.Error("dropping malformed lifecycle event", "error", err)
		return
	}
	if ev.EvalID == "" {
		return
	}

	switch ev.Status {
	case domain.StatusProvisioning, domain.StatusRunning:
		entry := domain.RunningEntry{
			EvalID:      ev.EvalID,
			ExecutorID:  ev.ExecutorID,
			ContainerID: ev.ContainerID,
			StartedAt:   ev.Timestamp,
			TimeoutSecs: ev.TimeoutSecs,
		}
		if err := s.index.Upsert(ctx, entry); err != nil {
			lg.Error("running-index upsert failed", "eval_id", ev.EvalID, "error", err)
		}
	default:
		// queued (requeue after a failed claim) and every terminal status
		// drop the entry.
		if err := s.index.Remove(ctx, ev.EvalID); err != nil {
			lg.Error("running-index remove failed", "eval_id", ev.EvalID, "error", err)
		}
	}
}
