// Package logging sets up structured logging the way the teacher's
// cmd/controller/main.go wires a logger into context (LoggingContextOrDie),
// minus the knative/controller-runtime machinery this domain has no use
// for: a plain *zap.SugaredLogger carried on context.Context.
package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

var fallback = zap.NewNop().Sugar()

// NewOrDie builds a production zap logger at the given level name
// ("debug", "info", "warn", "error"), panicking on build failure the way
// the teacher's main.go panics on invalid setup rather than limping on
// with half-initialized logging.
func NewOrDie(level string, component string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		panic("logging: failed to build zap logger: " + err.Error())
	}
	return logger.Sugar().With("component", component)
}

// WithLogger returns a context carrying logger, retrievable via FromContext.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a no-op logger if
// none was attached — callers never need a nil check.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok {
		return l
	}
	return fallback
}
