package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface. Production
// deployments construct one from zap.NewProduction() (or a custom zap.Config)
// and pass it to flowruntime.Options / session.Manager / planner.Loop.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps l as a Logger. A nil l is invalid; callers should fall
// back to NewNoopLogger instead of passing nil.
func NewZapLogger(l *zap.Logger) Logger {
	return ZapLogger{sugar: l.Sugar()}
}

func (l ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.sugar.Debugw(msg, keyvals...)
}

func (l ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.sugar.Infow(msg, keyvals...)
}

func (l ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.sugar.Warnw(msg, keyvals...)
}

func (l ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.sugar.Errorw(msg, keyvals...)
}
