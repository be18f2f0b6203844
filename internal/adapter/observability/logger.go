// Package observability wires logging and metrics for the collector.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/fairyhunter13/ticker-collector/internal/config"
)

// SetupLogger configures a slog logger with environment fields. JSON by
// default; LOG_FORMAT=text switches to the text handler for local runs.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(
		slog.String("service", "ticker-collector"),
		slog.String("env", cfg.AppEnv),
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
