package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

type repoStub struct {
	active    []domain.RateLimitEvent
	activeErr error
	inserted  []domain.RateLimitEvent
	insertErr error
	resolved  []int64
}

func (r *repoStub) Insert(_ context.Context, ev domain.RateLimitEvent) (int64, error) {
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	r.inserted = append(r.inserted, ev)
	return int64(len(r.inserted)), nil
}

func (r *repoStub) Resolve(_ context.Context, id int64, _ time.Time) error {
	r.resolved = append(r.resolved, id)
	return nil
}

func (r *repoStub) Get(_ context.Context, _ int64) (domain.RateLimitEvent, error) {
	return domain.RateLimitEvent{}, domain.ErrNotFound
}

func (r *repoStub) Active(_ context.Context, _ string) ([]domain.RateLimitEvent, error) {
	return r.active, r.activeErr
}

func (r *repoStub) Stats(_ context.Context, symbol string) (domain.RateLimitStats, error) {
	return domain.RateLimitStats{Symbol: symbol}, nil
}

func TestTrackerOpen(t *testing.T) {
	repo := &repoStub{}
	tr := NewTracker(repo)
	now := time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)
	tr.Now = func() time.Time { return now }

	id, err := tr.Open(context.Background(), "PETR4.SA", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, repo.inserted, 1)
	ev := repo.inserted[0]
	assert.Equal(t, "PETR4.SA", ev.Symbol)
	assert.Equal(t, now, ev.BlockedAt)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, domain.RateLimitActive, ev.Status)
}

func TestTrackerOpenRejectsSecondActive(t *testing.T) {
	repo := &repoStub{active: []domain.RateLimitEvent{{ID: 9, Symbol: "PETR4.SA"}}}
	tr := NewTracker(repo)

	_, err := tr.Open(context.Background(), "PETR4.SA", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Empty(t, repo.inserted)
}

func TestTrackerOpenRepoError(t *testing.T) {
	repo := &repoStub{activeErr: domain.ErrTransient}
	tr := NewTracker(repo)

	_, err := tr.Open(context.Background(), "PETR4.SA", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestTrackerClose(t *testing.T) {
	repo := &repoStub{}
	tr := NewTracker(repo)

	require.NoError(t, tr.Close(context.Background(), 11))
	require.NoError(t, tr.Close(context.Background(), 11), "double close stays silent")
	assert.Equal(t, []int64{11, 11}, repo.resolved)
}
