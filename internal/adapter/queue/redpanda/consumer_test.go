package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
	"github.com/fairyhunter13/ticker-collector/internal/schedule"
)

type queueSpy struct {
	enqueued []domain.JobMessage
	dlq      []domain.JobMessage
	rawDLQ   [][]byte
	err      error
}

func (q *queueSpy) Enqueue(_ context.Context, m domain.JobMessage) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, m)
	return nil
}

func (q *queueSpy) EnqueueDLQ(_ context.Context, m domain.JobMessage, _ string) error {
	q.dlq = append(q.dlq, m)
	return nil
}

func (q *queueSpy) EnqueueRawDLQ(_ context.Context, payload []byte, _ string) error {
	q.rawDLQ = append(q.rawDLQ, payload)
	return nil
}

type runnerStub struct {
	executed []domain.JobMessage
	err      error
	onRun    func()
}

func (r *runnerStub) Execute(_ context.Context, m domain.JobMessage) error {
	r.executed = append(r.executed, m)
	if r.onRun != nil {
		r.onRun()
	}
	return r.err
}

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		panic(err)
	}
	return loc
}()

// monday1635 sits past the 16:30 slot on a business day.
var monday1635 = time.Date(2025, 3, 10, 16, 35, 0, 0, saoPaulo)

func newTestConsumer(queue *queueSpy, runner *runnerStub, now time.Time) *Consumer {
	return &Consumer{
		queue:     queue,
		runner:    runner,
		planner:   schedule.NewPlanner(saoPaulo, 16, 30, nil),
		policy:    domain.RetryPolicy{Base: 2, MaxBackoff: time.Hour, MaxRetries: 3},
		topic:     "ticker_updates",
		groupID:   "collector",
		pollDelay: 30 * time.Second,
		grace:     30 * time.Second,
		now:       func() time.Time { return now },
		sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func encode(t *testing.T, m domain.JobMessage) []byte {
	t.Helper()
	b, err := m.Encode()
	require.NoError(t, err)
	return b
}

func TestHandleExecutesDueJob(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	assert.Zero(t, out.delay)
	require.Len(t, runner.executed, 1)
	assert.Equal(t, msg.JobID, runner.executed[0].JobID)
}

func TestHandleGarbageGoesToDLQ(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)

	out := c.handle(context.Background(), []byte("{not json"))

	assert.True(t, out.commit, "poisoned payload is settled, not redelivered forever")
	assert.Len(t, queue.rawDLQ, 1)
	assert.Empty(t, runner.executed)
}

func TestHandleNotYetDueRequeues(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)

	// scheduled for tomorrow
	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(24*time.Hour))
	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	assert.Equal(t, 30*time.Second, out.delay, "polite wait before the next poll")
	assert.Empty(t, runner.executed)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, msg.JobID, queue.enqueued[0].JobID, "same message, same identity")
	assert.True(t, queue.enqueued[0].ExecutionTime.Equal(msg.ExecutionTime))
}

func TestHandleWeekendReschedules(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	saturday := time.Date(2025, 3, 8, 17, 0, 0, 0, saoPaulo)
	c := newTestConsumer(queue, runner, saturday)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, saturday.Add(-time.Hour))
	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	assert.Empty(t, runner.executed)
	require.Len(t, queue.enqueued, 1)

	// Monday 16:30 in the planner's zone
	want := time.Date(2025, 3, 10, 16, 30, 0, 0, saoPaulo)
	assert.True(t, queue.enqueued[0].ExecutionTime.Equal(want),
		"got %v", queue.enqueued[0].ExecutionTime)
}

func TestHandleRetryableFailureRequeuesWithBump(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{err: domain.ErrTransient}
	c := newTestConsumer(queue, runner, monday1635)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, 1, queue.enqueued[0].RetryCount)
	assert.Empty(t, queue.dlq)
}

func TestHandleExhaustedRetriesDeadLetters(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{err: domain.ErrTransient}
	c := newTestConsumer(queue, runner, monday1635)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	msg.RetryCount = 2 // bump lands on MaxRetries

	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	assert.Empty(t, queue.enqueued)
	require.Len(t, queue.dlq, 1)
	assert.Equal(t, 3, queue.dlq[0].RetryCount)
}

func TestHandleNonRetryableFailureDeadLetters(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{err: domain.ErrPermanent}
	c := newTestConsumer(queue, runner, monday1635)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	out := c.handle(context.Background(), encode(t, msg))

	assert.True(t, out.commit)
	assert.Empty(t, queue.enqueued)
	assert.Len(t, queue.dlq, 1)
}

func TestHandleShutdownLeavesOffsetUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := &queueSpy{}
	runner := &runnerStub{err: domain.ErrTransient, onRun: cancel}
	c := newTestConsumer(queue, runner, monday1635)

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	out := c.handle(ctx, encode(t, msg))

	assert.False(t, out.commit, "interrupted job must be redelivered")
	assert.Empty(t, queue.enqueued)
	assert.Empty(t, queue.dlq)
}

func TestJobContextSurvivesSignalWithinGrace(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)
	c.grace = time.Hour

	parent, cancel := context.WithCancel(context.Background())
	cancel() // signal already fired

	jctx, done := c.jobContext(parent)
	defer done()

	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(-5*time.Minute))
	out := c.handle(jctx, encode(t, msg))

	assert.True(t, out.commit, "job finished inside the grace window")
	require.Len(t, runner.executed, 1)
}

func TestJobContextCancelsAfterGrace(t *testing.T) {
	queue := &queueSpy{}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)
	c.grace = 0

	parent, cancel := context.WithCancel(context.Background())
	jctx, done := c.jobContext(parent)
	defer done()

	require.NoError(t, jctx.Err(), "alive until the signal")
	cancel()
	select {
	case <-jctx.Done():
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled after the grace window")
	}
}

func TestHandleRequeueFailureHoldsOffset(t *testing.T) {
	queue := &queueSpy{err: domain.ErrTransient}
	runner := &runnerStub{}
	c := newTestConsumer(queue, runner, monday1635)

	// not yet due, so the handler must re-produce; the produce fails
	msg := domain.NewJobMessage([]string{"PETR4.SA"}, monday1635.Add(24*time.Hour))
	out := c.handle(context.Background(), encode(t, msg))

	assert.False(t, out.commit, "message survives a broker hiccup")
	assert.Equal(t, 30*time.Second, out.delay)
}
