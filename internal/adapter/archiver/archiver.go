// Package archiver mirrors lifecycle events into Kafka for downstream
// consumers (warehousing, audit). The pub/sub channels stay the primary
// fan-out; the archive is an ordered, durable copy keyed by eval_id.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// TopicEvents is the default Kafka topic lifecycle events archive to.
const TopicEvents = "evaluation-events"

// Archiver is a transactional Kafka producer implementing
// domain.EventPublisher. Transactions are serialized through a one-slot
// channel; per-key ordering comes from keying records by eval_id.
type Archiver struct {
	client          *kgo.Client
	topic           string
	transactionChan chan struct{}
}

type Option func(*Archiver)

// WithTopic overrides the archive topic (default TopicEvents).
func WithTopic(topic string) Option {
	return func(a *Archiver) {
		if topic != "" {
			a.topic = topic
		}
	}
}

// New connects to the brokers, ensures the archive topic exists and
// returns a ready producer. Callers gate construction on broker
// configuration; an empty list is an error here.
func New(brokers []string, transactionalID string, opts ...Option) (*Archiver, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=archiver new: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=archiver new: %w", err)
	}

	a := &Archiver{
		client:          client,
		topic:           TopicEvents,
		transactionChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := ensureTopic(context.Background(), client, a.topic, 1, 1); err != nil {
		slog.Warn("failed to ensure archive topic; it may already exist",
			slog.String("topic", a.topic), slog.Any("error", err))
	}
	return a, nil
}

// Publish appends one event to the archive inside a transaction.
func (a *Archiver) Publish(ctx domain.Context, ev domain.EvaluationEvent) error {
	select {
	case a.transactionChan <- struct{}{}:
		defer func() { <-a.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	record, err := buildRecord(a.topic, ev)
	if err != nil {
		return err
	}

	if err := a.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=archive begin: %w", err)
	}

	promise := kgo.AbortingFirstErrPromise(a.client)
	a.client.Produce(ctx, record, promise.Promise())
	if err := promise.Err(); err != nil {
		if abortErr := a.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort archive transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=archive produce: %w", err)
	}

	if err := a.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=archive commit: %w", err)
	}
	slog.Debug("archived lifecycle event",
		slog.String("eval_id", ev.EvalID), slog.String("status", string(ev.Status)))
	return nil
}

// buildRecord frames one event: keyed by eval_id so a partition preserves
// each evaluation's state-machine order.
func buildRecord(topic string, ev domain.EvaluationEvent) (*kgo.Record, error) {
	if ev.EvalID == "" {
		return nil, fmt.Errorf("op=archive record: %w: event without eval_id", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=archive record: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.EvalID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "channel", Value: []byte(ev.Channel())},
		},
	}, nil
}

// Close flushes and shuts the client down.
func (a *Archiver) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// ensureTopic creates the topic, treating TOPIC_ALREADY_EXISTS as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=ensure topic: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=ensure topic: unexpected response type %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 { // 36 = TOPIC_ALREADY_EXISTS
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("op=ensure topic: %s (code %d)", msg, tr.ErrorCode)
		}
	}
	return nil
}
