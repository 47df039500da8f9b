package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("access denied")
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
}

func TestDoRespectsRetryable(t *testing.T) {
	cfg := fastConfig()
	cfg.Retryable = IsRetryable
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("no such bucket")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("i/o timeout")))
	assert.True(t, IsRetryable(errors.New("unexpected EOF")))
	assert.False(t, IsRetryable(errors.New("invalid argument")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Permanent(errors.New("timeout"))))
}
