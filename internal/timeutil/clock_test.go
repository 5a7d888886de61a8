package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock_Sleep(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	require.NoError(t, clock.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRealClock_SleepCancelled(t *testing.T) {
	clock := RealClock{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := clock.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)

	require.NoError(t, clock.Sleep(context.Background(), 50*time.Millisecond))
	require.NoError(t, clock.Sleep(context.Background(), 25*time.Millisecond))

	assert.Equal(t, []time.Duration{50 * time.Millisecond, 25 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 75*time.Millisecond, clock.Since(base))
}

func TestMockClock_SleepCancelled(t *testing.T) {
	clock := NewMockClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, clock.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, clock.Sleeps())
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(time.Now())
	ticker := clock.NewTicker(time.Minute)

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after a full period")
	}

	ticker.Stop()
	clock.Advance(2 * time.Minute)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
