package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/penguiflow/penguiflow-go/internal/telemetry"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()
	logger.Debug(ctx, "msg", "k", "v")
	logger.Info(ctx, "msg")
	logger.Warn(ctx, "msg")
	logger.Error(ctx, "msg", "err", "boom")

	metrics := telemetry.NewNoopMetrics()
	metrics.IncCounter("c", 1, "tag", "v")
	metrics.RecordTimer("t", time.Millisecond)
	metrics.RecordGauge("g", 1.5)

	tracer := telemetry.NewNoopTracer()
	_, span := tracer.Start(ctx, "op")
	span.AddEvent("evt")
	span.RecordError(nil)
	span.End()
}
