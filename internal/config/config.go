// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds the immutable settings snapshot taken at startup. It is parsed
// from environment variables once and threaded into each component; nothing
// mutates it at runtime.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Scheduling
	ExecutionTime    string `env:"EXECUTION_TIME" envDefault:"16:30" validate:"required"`
	Timezone         string `env:"TIMEZONE" envDefault:"America/Sao_Paulo" validate:"required"`
	MonitoredSymbols string `env:"MONITORED_SYMBOLS" validate:"required"`
	// HolidayFile optionally points at a YAML list of non-business dates.
	HolidayFile string `env:"HOLIDAY_FILE"`

	// Fetch pacing and retry
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"10" validate:"gt=0"`
	InterBatchDelay   time.Duration `env:"INTER_BATCH_DELAY_MS" envDefault:"300ms"`
	BackoffBase       float64       `env:"BACKOFF_BASE" envDefault:"2" validate:"gt=1"`
	BackoffMaxSeconds int           `env:"BACKOFF_MAX_SECONDS" envDefault:"3600" validate:"gt=0"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"10" validate:"gt=0"`

	// Endpoints
	DBURL        string   `env:"DB_URL" validate:"required"`
	QueueBrokers []string `env:"QUEUE_URL" envSeparator:"," validate:"min=1"`
	QueueTopic   string   `env:"QUEUE_TOPIC" envDefault:"ticker_updates"`

	// Quote provider
	QuoteBaseURL string        `env:"QUOTE_BASE_URL" envDefault:"https://query1.finance.yahoo.com"`
	QuoteTimeout time.Duration `env:"QUOTE_TIMEOUT" envDefault:"30s"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	// PollDelay paces the cooperative requeue loop for not-yet-due jobs.
	PollDelay time.Duration `env:"POLL_DELAY" envDefault:"30s"`
}

// DLQTopic derives the dead-letter topic from the primary one.
func (c Config) DLQTopic() string { return c.QueueTopic + "_dlq" }

// Load parses environment variables into a Config and validates it.
// A configuration error is fatal at startup; there is no retry.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural tags plus the fields that need real parsing.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	if _, _, err := c.ExecutionClock(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if len(c.SymbolList()) == 0 {
		return fmt.Errorf("op=config.Validate: MONITORED_SYMBOLS parses to an empty list")
	}
	return nil
}

// SymbolList returns the monitored symbols, trimmed, empties dropped.
func (c Config) SymbolList() []string {
	parts := strings.Split(c.MonitoredSymbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Location resolves the configured IANA zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("op=config.Location: %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ExecutionClock parses EXECUTION_TIME ("HH:MM") into hour and minute.
func (c Config) ExecutionClock() (hour, minute int, err error) {
	parts := strings.SplitN(c.ExecutionTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("op=config.ExecutionClock: %q is not HH:MM", c.ExecutionTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("op=config.ExecutionClock: bad hour in %q", c.ExecutionTime)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("op=config.ExecutionClock: bad minute in %q", c.ExecutionTime)
	}
	return hour, minute, nil
}

// BackoffCeiling returns BACKOFF_MAX_SECONDS as a duration.
func (c Config) BackoffCeiling() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
