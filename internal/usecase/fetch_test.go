package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// sourceStub replays scripted responses per call.
type sourceStub struct {
	calls     [][]string
	responses []func(symbols []string) (domain.BatchResult, error)
}

func (s *sourceStub) FetchBatch(_ context.Context, symbols []string) (domain.BatchResult, error) {
	s.calls = append(s.calls, append([]string(nil), symbols...))
	i := len(s.calls) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i](symbols)
}

func okBatch(symbols []string) (domain.BatchResult, error) {
	var res domain.BatchResult
	for _, s := range symbols {
		res.Records = append(res.Records, domain.QuoteRecord{Symbol: s, LastPrice: 10})
	}
	return res, nil
}

func failWith(err error) func([]string) (domain.BatchResult, error) {
	return func([]string) (domain.BatchResult, error) { return domain.BatchResult{}, err }
}

type throttleStub struct {
	opened   []string
	attempts []int
	closed   []int64
	next     int64
}

func (t *throttleStub) Open(_ context.Context, symbol string, retryCount int) (int64, error) {
	t.next++
	t.opened = append(t.opened, symbol)
	t.attempts = append(t.attempts, retryCount)
	return t.next, nil
}

func (t *throttleStub) Close(_ context.Context, id int64) error {
	t.closed = append(t.closed, id)
	return nil
}

// sleeps records requested waits without actually sleeping.
func recordedSleeper(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func newEngine(src domain.QuoteSource, thr domain.ThrottleTracker, batch int) (*FetchEngine, *[]time.Duration) {
	waits := &[]time.Duration{}
	e := NewFetchEngine(src, thr, domain.RetryPolicy{Base: 2, MaxBackoff: time.Hour, MaxRetries: 3}, batch, 300*time.Millisecond)
	e.Sleep = recordedSleeper(waits)
	return e, waits
}

func TestFetchEngineBatchesInOrder(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){okBatch}}
	e, waits := newEngine(src, nil, 2)

	symbols := []string{"A", "B", "C", "D", "E"}
	report, err := e.Run(context.Background(), symbols)
	require.NoError(t, err)

	require.Len(t, src.calls, 3)
	assert.Equal(t, []string{"A", "B"}, src.calls[0])
	assert.Equal(t, []string{"C", "D"}, src.calls[1])
	assert.Equal(t, []string{"E"}, src.calls[2])

	require.Len(t, report.Successes, 5)
	for i, s := range symbols {
		assert.Equal(t, s, report.Successes[i].Symbol, "arrival order preserved")
	}
	assert.Empty(t, report.PermanentFailures)

	// one pause between each pair of consecutive batches
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond}, *waits)
}

func TestFetchEngineRetriesTransient(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		failWith(domain.ErrTransient),
		failWith(domain.ErrTransient),
		okBatch,
	}}
	e, waits := newEngine(src, nil, 10)

	report, err := e.Run(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, report.Successes, 2)
	assert.Empty(t, report.PermanentFailures)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits,
		"backoff doubles per attempt")
}

func TestFetchEngineExhaustsBatch(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		failWith(domain.ErrTransient),
	}}
	e, _ := newEngine(src, nil, 10)

	report, err := e.Run(context.Background(), []string{"A", "B"})
	require.NoError(t, err, "exhaustion is absorbed into the report")
	require.Len(t, src.calls, 3, "MaxRetries bounds the attempts")
	assert.Empty(t, report.Successes)
	assert.ElementsMatch(t, []string{"A", "B"}, report.PermanentFailures)
}

func TestFetchEnginePermanentErrorNoRetry(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		failWith(domain.ErrPermanent),
	}}
	e, waits := newEngine(src, nil, 10)

	report, err := e.Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Len(t, src.calls, 1)
	assert.Empty(t, *waits)
	assert.Equal(t, []string{"A"}, report.PermanentFailures)
}

func TestFetchEngineRateLimitEpisodes(t *testing.T) {
	thr := &throttleStub{}
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		failWith(domain.ErrRateLimited),
		failWith(domain.ErrRateLimited),
		okBatch,
	}}
	e, _ := newEngine(src, thr, 10)

	report, err := e.Run(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Len(t, report.Successes, 2)

	// every throttled attempt records its own episode at the current count,
	// superseding the symbol's previous one
	assert.Equal(t, []string{"A", "B", "A", "B"}, thr.opened)
	assert.Equal(t, []int{1, 1, 2, 2}, thr.attempts)
	assert.Equal(t, []int64{1, 2}, thr.closed[:2], "second throttle resolves the first episodes")
	assert.ElementsMatch(t, []int64{3, 4}, thr.closed[2:], "success closes the last ones")
}

func TestFetchEngineRateLimitExhaustedLeavesEpisodesOpen(t *testing.T) {
	thr := &throttleStub{}
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		failWith(domain.ErrRateLimited),
	}}
	e, _ := newEngine(src, thr, 10)

	report, err := e.Run(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.PermanentFailures)
	assert.Equal(t, []string{"A", "A", "A"}, thr.opened, "one episode per throttled attempt")
	assert.Equal(t, []int{1, 2, 3}, thr.attempts)
	assert.Equal(t, []int64{1, 2}, thr.closed, "the final episode stays ACTIVE")
}

func TestFetchEnginePartitionsEverySymbol(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){
		func(symbols []string) (domain.BatchResult, error) {
			res, _ := okBatch(symbols[:1])
			res.Failed = symbols[1:]
			return res, nil
		},
	}}
	e, _ := newEngine(src, nil, 3)

	symbols := []string{"A", "B", "C", "D", "E", "F"}
	report, err := e.Run(context.Background(), symbols)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, r := range report.Successes {
		got[r.Symbol] = true
	}
	for _, s := range report.PermanentFailures {
		require.False(t, got[s], "symbol %s in both partitions", s)
		got[s] = true
	}
	for _, s := range symbols {
		assert.True(t, got[s], "symbol %s unaccounted for", s)
	}
}

func TestFetchEngineCancelledContext(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){okBatch}}
	e, _ := newEngine(src, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, []string{"A", "B"})
	require.Error(t, err, "cancellation aborts between batches")
}

func TestFetchEngineEmptyInput(t *testing.T) {
	src := &sourceStub{responses: []func([]string) (domain.BatchResult, error){okBatch}}
	e, _ := newEngine(src, nil, 10)

	report, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Successes)
	assert.Empty(t, report.PermanentFailures)
	assert.Empty(t, src.calls)
}
