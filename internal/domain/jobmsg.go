package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobMessage is the wire format of one collection job on the broker.
// Timestamps travel as RFC 3339 so messages survive process restarts and are
// readable from the broker console.
type JobMessage struct {
	JobID         string    `json:"job_id"`
	TickerList    []string  `json:"ticker_list"`
	ExecutionTime time.Time `json:"execution_time"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewJobMessage builds a message for the given symbols scheduled at t.
func NewJobMessage(symbols []string, t time.Time) JobMessage {
	now := time.Now().UTC()
	return JobMessage{
		JobID:         uuid.New().String(),
		TickerList:    symbols,
		ExecutionTime: t,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Encode serializes the message for the broker.
func (m JobMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("op=jobmsg.encode: %w", err)
	}
	return b, nil
}

// DecodeJobMessage parses a broker payload. A payload that does not decode is
// a permanent failure: the message can never become processable.
func DecodeJobMessage(b []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return JobMessage{}, fmt.Errorf("op=jobmsg.decode: %w: %w", ErrPermanent, err)
	}
	if m.JobID == "" {
		return JobMessage{}, fmt.Errorf("op=jobmsg.decode: missing job_id: %w", ErrPermanent)
	}
	return m, nil
}

// WithRetry returns a copy with the retry counter bumped and updated_at
// refreshed, used when a failed job is requeued.
func (m JobMessage) WithRetry() JobMessage {
	m.RetryCount++
	m.UpdatedAt = time.Now().UTC()
	return m
}

// WithSchedule returns a copy rescheduled at t. Used when a delivery arrives
// on a non-business day and must be pushed to the next slot.
func (m JobMessage) WithSchedule(t time.Time) JobMessage {
	m.ExecutionTime = t
	m.UpdatedAt = time.Now().UTC()
	return m
}
