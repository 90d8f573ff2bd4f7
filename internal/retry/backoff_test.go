package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0

	result, err := DoWithResult(r, context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", types.NewError(types.ErrUpstreamError, "transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetriesExhausted(t *testing.T) {
	r := New(fastPolicy(2), nil)
	calls := 0

	_, err := DoWithResult(r, context.Background(), func() (int, error) {
		calls++
		return 0, types.NewError(types.ErrTimeout, "always failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Equal(t, types.ErrTimeout, types.CodeOf(err))
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	r := New(fastPolicy(3), nil)
	calls := 0

	_, err := DoWithResult(r, context.Background(), func() (int, error) {
		calls++
		return 0, types.NewError(types.ErrInvalidConfig, "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestUnclassifiedErrorIsRetried(t *testing.T) {
	r := New(fastPolicy(1), nil)
	calls := 0

	_, err := DoWithResult(r, context.Background(), func() (int, error) {
		calls++
		return 0, errors.New("opaque failure")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestCustomClassifier(t *testing.T) {
	policy := fastPolicy(3)
	policy.Classify = func(err error) bool { return false }
	r := New(policy, nil)
	calls := 0

	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("anything")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestContextCancelAbortsRetryWait(t *testing.T) {
	policy := &Policy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	r := New(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, func() error {
		return types.NewError(types.ErrUpstreamError, "failing")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayGrowthBounded(t *testing.T) {
	policy := &Policy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
	}
	r := New(policy, nil)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(5), "capped at max delay")
}

func TestOnRetryCallback(t *testing.T) {
	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, nil)

	_ = r.Do(context.Background(), func() error {
		return types.NewError(types.ErrUpstreamError, "failing")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}
