// Package logging builds the process logger and threads correlation ids
// through context so every log line of one logical request carries the
// same id.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. Level accepts the zap level names; pretty
// switches to the console encoder for local runs.
func New(level string, pretty bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if pretty {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id bound to ctx, or "" when none is.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationField returns the correlationId log field for ctx. When the
// context has no correlation id the field is a no-op, so callers can attach
// it unconditionally.
func CorrelationField(ctx context.Context) zap.Field {
	if id := CorrelationID(ctx); id != "" {
		return zap.String("correlationId", id)
	}
	return zap.Skip()
}
