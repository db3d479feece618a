package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type contextKey int

const loggerKey contextKey = iota

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	if logger == nil {
		logger = Default()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

// WithRunID tags the context logger with a reconciliation run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	l := FromContext(ctx).With().Str("run_id", runID).Logger()
	return WithLogger(ctx, &l)
}
