package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
	"github.com/fairyhunter13/ticker-collector/internal/schedule"
)

// JobRunner executes one decoded job. Implemented by usecase.Collector.
type JobRunner interface {
	Execute(ctx context.Context, msg domain.JobMessage) error
}

// Consumer pulls job messages one at a time and drives them through the
// runner. Offsets are committed manually, only after the message's fate is
// settled: executed, requeued or dead-lettered. A crash before the commit
// redelivers the message on restart.
type Consumer struct {
	client  *kgo.Client
	queue   DeadLetterer
	runner  JobRunner
	planner *schedule.Planner
	policy  domain.RetryPolicy

	topic     string
	groupID   string
	pollDelay time.Duration
	grace     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsumer joins the consumer group and ensures the topic exists. grace is
// how long an in-flight job may keep running after a shutdown signal.
func NewConsumer(brokers []string, topic, groupID string, queue DeadLetterer, runner JobRunner, planner *schedule.Planner, policy domain.RetryPolicy, pollDelay, grace time.Duration) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing group id")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: client: %w", err)
	}
	if err := ensureTopic(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("topic not ensured, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Consumer{
		client:    client,
		queue:     queue,
		runner:    runner,
		planner:   planner,
		policy:    policy,
		topic:     topic,
		groupID:   groupID,
		pollDelay: pollDelay,
		grace:     grace,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start polls until the context dies. It processes at most one record at a
// time; daily jobs have no use for parallelism and single-flight keeps the
// at-most-once-per-day guard trivial.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer started",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollRecords(ctx, 1)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if err := c.sleep(ctx, c.pollDelay); err != nil {
				return err
			}
			continue
		}

		var delay time.Duration
		commit := true
		fetches.EachRecord(func(rec *kgo.Record) {
			jctx, done := c.jobContext(ctx)
			out := c.handle(jctx, rec.Value)
			done()
			commit = commit && out.commit
			if out.delay > delay {
				delay = out.delay
			}
		})
		if commit && fetches.NumRecords() > 0 {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
				slog.Error("offset commit failed", slog.Any("error", err))
			}
		}
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// jobContext detaches the in-flight job from the poll context. A shutdown
// signal stops the poll loop immediately but only cancels the job after the
// grace window, so a delivery in progress gets to finish.
func (c *Consumer) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(c.grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-jctx.Done():
		}
	})
	return jctx, func() { stop(); cancel() }
}

// outcome is the fate of one delivery.
type outcome struct {
	commit bool
	delay  time.Duration
}

// handle settles one payload. Every branch except a mid-run cancellation
// ends in a commit; redelivery of half-processed work is reserved for
// process death.
func (c *Consumer) handle(ctx context.Context, payload []byte) outcome {
	msg, err := domain.DecodeJobMessage(payload)
	if err != nil {
		slog.Error("undecodable job payload", slog.Any("error", err))
		observability.JobOutcome("dlq")
		if derr := c.queue.EnqueueRawDLQ(ctx, payload, err.Error()); derr != nil {
			slog.Error("raw dead-letter failed", slog.Any("error", derr))
			return outcome{commit: false, delay: c.pollDelay}
		}
		return outcome{commit: true}
	}

	now := c.now()
	if !c.planner.Due(now, msg.ExecutionTime) {
		return c.deferDelivery(ctx, msg, now)
	}

	err = c.runner.Execute(ctx, msg)
	if err == nil {
		return outcome{commit: true}
	}
	if ctx.Err() != nil {
		// Shutdown mid-job. Leave the offset alone; the restarted process
		// picks the message up again.
		slog.Warn("job interrupted by shutdown", slog.String("job_id", msg.JobID))
		return outcome{commit: false}
	}

	retry := msg.WithRetry()
	if c.policy.Retryable(err) && !c.policy.Exhausted(retry.RetryCount) {
		slog.Warn("job failed, requeueing",
			slog.String("job_id", msg.JobID),
			slog.Int("retry_count", retry.RetryCount),
			slog.Any("error", err))
		observability.JobOutcome("requeued")
		if qerr := c.queue.Enqueue(ctx, retry); qerr != nil {
			slog.Error("requeue failed", slog.Any("error", qerr))
			return outcome{commit: false, delay: c.pollDelay}
		}
		return outcome{commit: true, delay: c.pollDelay}
	}

	slog.Error("job dead-lettered",
		slog.String("job_id", msg.JobID),
		slog.Int("retry_count", msg.RetryCount),
		slog.Any("error", err))
	observability.JobOutcome("dlq")
	if derr := c.queue.EnqueueDLQ(ctx, retry, err.Error()); derr != nil {
		slog.Error("dead-letter failed", slog.Any("error", derr))
		return outcome{commit: false, delay: c.pollDelay}
	}
	return outcome{commit: true}
}

// deferDelivery pushes a not-yet-due message back onto the topic. On a
// non-business
// day the message is rescheduled to the next execution slot; on a business
// day it keeps its time and simply waits another poll cycle.
func (c *Consumer) deferDelivery(ctx context.Context, msg domain.JobMessage, now time.Time) outcome {
	requeued := msg
	if !c.planner.Calendar.IsBusinessDay(now.In(c.planner.Loc)) {
		next := c.planner.NextExecution(now)
		requeued = msg.WithSchedule(next)
		slog.Info("non-business day, job rescheduled",
			slog.String("job_id", msg.JobID),
			slog.Time("execution_time", next))
	} else {
		slog.Debug("job not yet due",
			slog.String("job_id", msg.JobID),
			slog.Time("execution_time", msg.ExecutionTime))
	}
	if err := c.queue.Enqueue(ctx, requeued); err != nil {
		slog.Error("deferral requeue failed", slog.Any("error", err))
		return outcome{commit: false, delay: c.pollDelay}
	}
	return outcome{commit: true, delay: c.pollDelay}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
