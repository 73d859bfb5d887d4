package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffIsExponential(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))

	capped := Policy{BaseDelay: time.Second, Multiplier: 10, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, capped.Backoff(2))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var (
		calls int
		waits []time.Duration
	)
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		OnRetry:     func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) },
	}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	bad := errors.New("bad payload")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Stop(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestConfigPolicy(t *testing.T) {
	p := Config{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}
