// Package app wires the collector's operational surface: readiness probes
// and the health/metrics HTTP listener.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BrokerPinger is the minimal interface for a Kafka client capable of Ping.
type BrokerPinger interface{ Ping(ctx context.Context) error }

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// BuildReadinessChecks returns the collector's probes: database, queue and
// quote source. Each gets a 2 second budget when run via Readyz.
func BuildReadinessChecks(cfg config.Config, pool Pinger, broker BrokerPinger) []Check {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	queueCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("queue not configured")
		}
		return broker.Ping(ctx)
	}
	quoteCheck := func(ctx context.Context) error {
		if cfg.QuoteBaseURL == "" {
			// stub source; always ready
			return nil
		}
		client := &http.Client{Timeout: 2 * time.Second}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.QuoteBaseURL, nil)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("quote source status %d", resp.StatusCode)
		}
		return nil
	}
	return []Check{
		{Name: "database", Probe: dbCheck},
		{Name: "queue", Probe: queueCheck},
		{Name: "quote_source", Probe: quoteCheck},
	}
}

// Readyz runs every check with a per-probe timeout and reports the first
// failure.
func Readyz(ctx context.Context, checks []Check) error {
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Probe(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Report runs every check and returns one boolean per dependency plus the
// overall verdict.
func Report(ctx context.Context, checks []Check) (map[string]bool, bool) {
	out := make(map[string]bool, len(checks))
	healthy := true
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Probe(cctx)
		cancel()
		ok := err == nil
		out[c.Name] = ok
		healthy = healthy && ok
	}
	return out, healthy
}
