package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// JobAuditRepo persists job lifecycle rows in job_queue. The state machine
// (PENDING → RUNNING → SUCCESS | FAILED, plus RUNNING → PENDING on shutdown)
// is enforced by conditional updates; an update that matches no row means the
// transition was illegal.
type JobAuditRepo struct{ Pool PgxPool }

// NewJobAuditRepo constructs a JobAuditRepo with the given pool.
func NewJobAuditRepo(p PgxPool) *JobAuditRepo { return &JobAuditRepo{Pool: p} }

// Create inserts an audit row and returns its id.
func (r *JobAuditRepo) Create(ctx context.Context, j domain.Job) (int64, error) {
	status := j.Status
	if status == "" {
		status = domain.JobPending
	}
	symbols, err := json.Marshal(j.Symbols)
	if err != nil {
		return 0, fmt.Errorf("op=jobaudit.create: %w", err)
	}
	q := `INSERT INTO job_queue (ticker_ids, execution_time, retry_count, status, last_attempted_at, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$6)
	      RETURNING id`
	var id int64
	now := time.Now().UTC()
	if err := r.Pool.QueryRow(ctx, q, string(symbols), j.ScheduledAt.UTC(), j.RetryCount, status, j.LastAttemptedAt, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=jobaudit.create: %w", classify(err))
	}
	return id, nil
}

// Transition moves a job between states, rejecting anything the state
// machine does not allow.
func (r *JobAuditRepo) Transition(ctx context.Context, id int64, from, to domain.JobStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("op=jobaudit.transition: %s -> %s: %w", from, to, domain.ErrConflict)
	}
	q := `UPDATE job_queue
	      SET status = $3, last_attempted_at = $4, updated_at = $4
	      WHERE id = $1 AND status = $2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobaudit.transition: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobaudit.transition: job %d not in %s: %w", id, from, domain.ErrConflict)
	}
	return nil
}

// Get loads an audit row by id.
func (r *JobAuditRepo) Get(ctx context.Context, id int64) (domain.Job, error) {
	q := `SELECT id, ticker_ids, execution_time, retry_count, status, last_attempted_at, created_at
	      FROM job_queue WHERE id = $1`
	var (
		j   domain.Job
		raw string
	)
	err := r.Pool.QueryRow(ctx, q, id).Scan(&j.ID, &raw, &j.ScheduledAt, &j.RetryCount,
		&j.Status, &j.LastAttemptedAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobaudit.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobaudit.get: %w", classify(err))
	}
	if err := json.Unmarshal([]byte(raw), &j.Symbols); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobaudit.get: decode ticker_ids: %w", err)
	}
	return j, nil
}

// SucceededBetween reports whether any job reached SUCCESS inside [from, to).
// Drives the at-most-once-per-day duplicate guard.
func (r *JobAuditRepo) SucceededBetween(ctx context.Context, from, to time.Time) (bool, error) {
	q := `SELECT EXISTS (
	        SELECT 1 FROM job_queue
	        WHERE status = 'SUCCESS' AND updated_at >= $1 AND updated_at < $2
	      )`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, from.UTC(), to.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=jobaudit.succeeded_between: %w", classify(err))
	}
	return exists, nil
}

// ResetRunning flips RUNNING rows back to PENDING. Run once at startup so a
// job interrupted by a crash can be redelivered by the broker.
func (r *JobAuditRepo) ResetRunning(ctx context.Context) (int64, error) {
	q := `UPDATE job_queue SET status = 'PENDING', updated_at = $1 WHERE status = 'RUNNING'`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=jobaudit.reset_running: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}
