package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterLimiter_NextWithinWindow(t *testing.T) {
	l := NewJitterLimiter(2*time.Second, 5*time.Second)
	for i := 0; i < 100; i++ {
		d := l.Next()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestJitterLimiter_ZeroDelayReturnsImmediately(t *testing.T) {
	l := NewJitterLimiter(0, 0)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestJitterLimiter_WaitHonoursCancel(t *testing.T) {
	l := NewJitterLimiter(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(2*time.Second, 4*time.Second)

	for i := 0; i < 3; i++ {
		a.RecordError()
	}
	lo, hi := a.Delays()
	assert.Equal(t, 3*time.Second, lo)
	assert.Equal(t, 6*time.Second, hi)

	for i := 0; i < 6; i++ {
		a.RecordSuccess()
	}
	lo, _ = a.Delays()
	assert.InDelta(t, float64(2700*time.Millisecond), float64(lo), float64(time.Millisecond))

	for j := 0; j < 10; j++ {
		for i := 0; i < 6; i++ {
			a.RecordSuccess()
		}
	}
	lo, _ = a.Delays()
	assert.Equal(t, 2*time.Second, lo, "never drops below the configured floor")
}
