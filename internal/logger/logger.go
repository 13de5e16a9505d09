package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the emitting binary's service
// name (collector, migrate, sampleapp). Components derive child loggers from
// it via With.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
