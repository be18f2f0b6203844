// Package domain defines the collector's entities, error taxonomy and ports.
package domain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Error taxonomy (sentinels). Boundary adapters classify driver errors into
// these; inner layers never branch on anything else.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrTransient covers network blips, provider 5xx and broker/database
	// connection drops. Retried with exponential backoff.
	ErrTransient = errors.New("transient failure")
	// ErrRateLimited is an explicit throttle signal from the quote provider.
	// Retried like ErrTransient, additionally tracked as a rate-limit event.
	ErrRateLimited = errors.New("rate limited")
	// ErrPermanent marks per-symbol data errors (unknown symbol, malformed
	// record). Never retried.
	ErrPermanent = errors.New("permanent failure")
	ErrInternal  = errors.New("internal error")
)

// AssetType enumerates supported instrument classes.
const (
	AssetStock  = "STOCK"
	AssetETF    = "ETF"
	AssetFund   = "FUND"
	AssetCrypto = "CRYPTO"
)

// Symbol is the master record for one monitored instrument.
type Symbol struct {
	ID        int64
	Symbol    string
	AssetType string
	Currency  string
	CreatedAt time.Time
}

// Fundamentals holds the optional fundamental figures attached to a quote.
// Nil fields were not reported by the provider.
type Fundamentals struct {
	PERatio       *float64
	EPS           *float64
	DividendYield *float64
	MarketCap     *int64
}

// Empty reports whether no fundamental field is set.
func (f Fundamentals) Empty() bool {
	return f.PERatio == nil && f.EPS == nil && f.DividendYield == nil && f.MarketCap == nil
}

// HistoryBar is one daily OHLCV row. Unique per (symbol, date); re-seen bars
// are ignored on insert.
type HistoryBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume *int64
}

// QuoteRecord is the per-symbol result of one quote-source call.
type QuoteRecord struct {
	Symbol       string
	AssetType    string
	Currency     string
	LastPrice    float64
	Volume       *int64
	ObservedAt   time.Time
	Fundamentals Fundamentals
	History      []HistoryBar
}

// PriceSample is one persisted price observation. Append-only.
type PriceSample struct {
	ID         int64
	SymbolID   int64
	Price      float64
	Volume     *int64
	ObservedAt time.Time
}

// Rate-limit event status values.
const (
	RateLimitActive   = "ACTIVE"
	RateLimitResolved = "RESOLVED"
)

// RateLimitEvent records one throttling episode. Created ACTIVE and closed
// RESOLVED with the elapsed duration.
type RateLimitEvent struct {
	ID              int64
	Symbol          string // empty for batch-wide events
	BlockedAt       time.Time
	DurationSeconds *int64
	RetryCount      int
	ResolvedAt      *time.Time
	Status          string
}

// RateLimitStats aggregates episodes for one symbol.
type RateLimitStats struct {
	Symbol         string
	TotalBlocks    int64
	ActiveCount    int64
	ResolvedCount  int64
	AvgDurationSec float64
	MaxDurationSec int64
	LastBlockedAt  *time.Time
	PeakRetryCount int
}

// JobStatus values for the audit row. PENDING → RUNNING → SUCCESS | FAILED.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

// Terminal reports whether a job may never be re-run.
func (s JobStatus) Terminal() bool { return s == JobSuccess || s == JobFailed }

// CanTransition enforces the audit state machine.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to == JobSuccess || to == JobFailed || to == JobPending
	default:
		return false
	}
}

// Job is the audit row for one scheduled unit of work.
type Job struct {
	ID              int64
	Symbols         []string
	ScheduledAt     time.Time
	RetryCount      int
	Status          JobStatus
	LastAttemptedAt *time.Time
	CreatedAt       time.Time
}

// FetchReport is the outcome of one fetch run: successes in arrival order and
// the symbols that failed permanently. Their union equals the input set.
type FetchReport struct {
	Successes         []QuoteRecord
	PermanentFailures []string
}

// BatchResult is one successful quote-source call: parsed records plus the
// symbols the provider definitively rejected (unknown or malformed).
type BatchResult struct {
	Records []QuoteRecord
	Failed  []string
}

// TruncatePrice truncates (never rounds) a price at 4 decimal places, the
// storage precision of DECIMAL(12,4) columns. The cut happens on the decimal
// representation; multiplying by 10^4 in binary would push values already at
// 4dp (0.0003, say) below themselves.
func TruncatePrice(p float64) float64 {
	s := strconv.FormatFloat(p, 'f', -1, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s) > dot+5 {
		s = s[:dot+5]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return p
	}
	return v
}

// Ports.

// SymbolRepository maintains the symbol master.
type SymbolRepository interface {
	Upsert(ctx context.Context, symbol, assetType, currency string) (int64, error)
	GetBySymbol(ctx context.Context, symbol string) (Symbol, error)
}

// MarketDataRepository persists quote records transactionally.
type MarketDataRepository interface {
	// SaveAll commits each record in its own transaction and returns the
	// saved count plus the symbols whose record failed to commit.
	SaveAll(ctx context.Context, records []QuoteRecord) (int, []string, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// RateLimitRepository stores throttling episodes.
type RateLimitRepository interface {
	Insert(ctx context.Context, ev RateLimitEvent) (int64, error)
	Resolve(ctx context.Context, id int64, at time.Time) error
	Get(ctx context.Context, id int64) (RateLimitEvent, error)
	Active(ctx context.Context, symbol string) ([]RateLimitEvent, error)
	Stats(ctx context.Context, symbol string) (RateLimitStats, error)
}

// JobAuditRepository persists job lifecycle rows.
type JobAuditRepository interface {
	Create(ctx context.Context, j Job) (int64, error)
	Transition(ctx context.Context, id int64, from, to JobStatus) error
	Get(ctx context.Context, id int64) (Job, error)
	// SucceededBetween reports whether any job reached SUCCESS in the window.
	SucceededBetween(ctx context.Context, from, to time.Time) (bool, error)
	// ResetRunning flips RUNNING rows back to PENDING after a restart.
	ResetRunning(ctx context.Context) (int64, error)
}

// JobQueue publishes job messages to the broker.
type JobQueue interface {
	Enqueue(ctx context.Context, msg JobMessage) error
	EnqueueDLQ(ctx context.Context, msg JobMessage, reason string) error
}

// QuoteSource is the external capability providing quotes. Implementations
// classify provider failures into ErrRateLimited, ErrTransient or
// ErrPermanent; the core never inspects provider HTTP details.
type QuoteSource interface {
	FetchBatch(ctx context.Context, symbols []string) (BatchResult, error)
}

// ThrottleTracker is consumed by the fetch engine to record rate-limit
// episodes per affected symbol.
type ThrottleTracker interface {
	Open(ctx context.Context, symbol string, retryCount int) (int64, error)
	Close(ctx context.Context, eventID int64) error
}
