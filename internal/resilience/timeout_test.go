package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

func TestWithTimeoutReturnsResultWhenFastEnough(t *testing.T) {
	err := WithTimeout(context.Background(), 50*time.Millisecond, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithTimeoutSignalsTimeoutOnSlowOp(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, swarmerr.Is(err, swarmerr.KindTimeout))
}

func TestWithTimeoutResultReturnsValue(t *testing.T) {
	v, err := WithTimeoutResult(context.Background(), 50*time.Millisecond, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
