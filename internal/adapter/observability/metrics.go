package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsProcessedTotal counts jobs by terminal outcome (success, failed,
	// requeued, dlq, skipped).
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_jobs_processed_total",
			Help: "Total number of collection jobs by outcome",
		},
		[]string{"outcome"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_job_duration_seconds",
			Help:    "Wall time of one collection job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	BatchesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_batches_fetched_total",
			Help: "Quote-source batch calls by result (ok, exhausted)",
		},
		[]string{"result"},
	)
	SymbolsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_symbols_failed_total",
			Help: "Symbols marked as permanent failures across runs",
		},
	)

	RecordsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_records_saved_total",
			Help: "Quote records committed to the store",
		},
	)
	RecordsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_records_failed_total",
			Help: "Quote records whose transaction rolled back",
		},
	)

	RateLimitEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_rate_limit_events_total",
			Help: "Rate-limit events by transition (opened, resolved)",
		},
		[]string{"transition"},
	)
)

var registered bool

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		JobsProcessedTotal,
		JobDuration,
		BatchesFetchedTotal,
		SymbolsFailedTotal,
		RecordsSavedTotal,
		RecordsFailedTotal,
		RateLimitEventsTotal,
	)
}

// JobOutcome records one finished job.
func JobOutcome(outcome string) { JobsProcessedTotal.WithLabelValues(outcome).Inc() }

// BatchResult records one quote-source batch call.
func BatchResult(result string) { BatchesFetchedTotal.WithLabelValues(result).Inc() }

// SymbolsFailed adds n permanently failed symbols.
func SymbolsFailed(n int) { SymbolsFailedTotal.Add(float64(n)) }

// RateLimitTransition records an event open or resolve.
func RateLimitTransition(t string) { RateLimitEventsTotal.WithLabelValues(t).Inc() }
