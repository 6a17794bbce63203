package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init sets a JSON (default) or text slog handler based on the provided format.
// Supported formats: "json" (default), "text". Level accepts "debug", "info",
// "warn", "error"; anything else means info.
func Init(service, format, level string) *slog.Logger {
	format = strings.ToLower(strings.TrimSpace(format))
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	if format != "" && format != "json" && format != "text" {
		logger.Warn("unknown log format, defaulting to json", "format", format)
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
