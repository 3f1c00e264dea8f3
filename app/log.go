package app

import (
	"context"
	"log/slog"

	"github.com/sweater-ventures/brainfreeze/config"
)

func log(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(config.LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger stores logger in ctx for the broker's own goroutines.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, config.LoggerContextKey, logger)
}
