// Package redpanda carries collection jobs over a Redpanda/Kafka topic.
//
// Jobs are produced transactionally and consumed one at a time with manual
// offset commits, so a crash mid-job redelivers the message instead of
// losing the day's run.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// DeadLetterer extends the job queue with a raw dead-letter publish for
// payloads that cannot even be decoded.
type DeadLetterer interface {
	domain.JobQueue
	EnqueueRawDLQ(ctx context.Context, payload []byte, reason string) error
}

// Producer publishes job messages transactionally. It implements
// DeadLetterer and therefore domain.JobQueue.
type Producer struct {
	client   *kgo.Client
	topic    string
	dlqTopic string
	// buffered to one slot; serializes transactions across goroutines
	txnLock chan struct{}
}

// NewProducer connects a transactional producer and ensures both the main
// and the dead-letter topic exist.
func NewProducer(brokers []string, topic, dlqTopic, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: client: %w", err)
	}

	ctx := context.Background()
	for _, t := range []string{topic, dlqTopic} {
		if err := ensureTopic(ctx, client, t, 1, 1); err != nil {
			slog.Warn("topic not ensured, it may already exist",
				slog.String("topic", t), slog.Any("error", err))
		}
	}

	return &Producer{
		client:   client,
		topic:    topic,
		dlqTopic: dlqTopic,
		txnLock:  make(chan struct{}, 1),
	}, nil
}

// Enqueue publishes a job message to the main topic.
func (p *Producer) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	b, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(msg.JobID)},
		},
	}
	if err := p.produce(ctx, rec); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	slog.Info("job enqueued",
		slog.String("job_id", msg.JobID),
		slog.Time("execution_time", msg.ExecutionTime),
		slog.Int("retry_count", msg.RetryCount))
	return nil
}

// EnqueueDLQ publishes an exhausted or poisoned job to the dead-letter topic.
func (p *Producer) EnqueueDLQ(ctx context.Context, msg domain.JobMessage, reason string) error {
	b, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("op=queue.dlq: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.dlqTopic,
		Key:   []byte(msg.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(msg.JobID)},
			{Key: "reason", Value: []byte(reason)},
		},
	}
	if err := p.produce(ctx, rec); err != nil {
		return fmt.Errorf("op=queue.dlq: %w", err)
	}
	slog.Warn("job dead-lettered",
		slog.String("job_id", msg.JobID),
		slog.String("reason", reason),
		slog.Int("retry_count", msg.RetryCount))
	return nil
}

// EnqueueRawDLQ dead-letters a payload that never decoded into a message.
func (p *Producer) EnqueueRawDLQ(ctx context.Context, payload []byte, reason string) error {
	rec := &kgo.Record{
		Topic: p.dlqTopic,
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "reason", Value: []byte(reason)},
		},
	}
	if err := p.produce(ctx, rec); err != nil {
		return fmt.Errorf("op=queue.dlq_raw: %w", err)
	}
	slog.Warn("undecodable payload dead-lettered",
		slog.String("reason", reason), slog.Int("bytes", len(payload)))
	return nil
}

// produce runs one record through a producer transaction.
func (p *Producer) produce(ctx context.Context, rec *kgo.Record) error {
	select {
	case p.txnLock <- struct{}{}:
		defer func() { <-p.txnLock }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	promise := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, rec, promise.Promise())
	if err := promise.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks broker connectivity, used by the readiness probe.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close tears down the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
