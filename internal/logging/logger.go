package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger every process in this repo shares.
// Level is parsed leniently; anything unrecognized falls back to info.
func NewLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	})
	return slog.New(handler).With("service", "pickup-matching")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
