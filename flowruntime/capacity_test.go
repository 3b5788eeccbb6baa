package flowruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCapacityGateBoundsInFlightPerTrace(t *testing.T) {
	g := newCapacityGate(1, nil)
	require.NoError(t, g.Acquire(context.Background(), "trace-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "trace-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release("trace-1")
	require.NoError(t, g.Acquire(context.Background(), "trace-1"))
}

func TestCapacityGateUnboundedWhenMaxNonPositive(t *testing.T) {
	g := newCapacityGate(0, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Acquire(context.Background(), "trace-1"))
	}
}

func TestCapacityGatePacesAdmissionAcrossTraces(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(10), 1)
	g := newCapacityGate(0, limiter)

	require.NoError(t, g.Acquire(context.Background(), "trace-1"))
	start := time.Now()
	require.NoError(t, g.Acquire(context.Background(), "trace-2"))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestCapacityGatePacingRespectsContextCancellation(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	g := newCapacityGate(0, limiter)
	require.NoError(t, g.Acquire(context.Background(), "trace-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "trace-1")
	assert.Error(t, err)
}
