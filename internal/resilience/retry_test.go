package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	res := Do(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	res := Do(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, calls)
}

func TestDoSurfacesLastErrorAfterExhaustingRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsWhenShouldRetryReturnsFalse(t *testing.T) {
	calls := 0
	res := Do(context.Background(), RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		ShouldRetry: func(error, int) bool {
			calls++
			return false
		},
	}, func(context.Context) error {
		return errBoom
	})
	assert.ErrorIs(t, res.Err, errBoom)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoWithValueReturnsLastValue(t *testing.T) {
	val, res := DoWithValue(context.Background(), RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", val)
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second, Factor: 10}
	cfg.applyDefaults()
	d := backoffDelay(5, cfg)
	assert.LessOrEqual(t, d, 2*time.Second)
}
