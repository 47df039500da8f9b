package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`

	// Retryable decides whether an error is worth another attempt; nil retries everything
	Retryable func(error) bool `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Retryable:      IsRetryable,
	}
}

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that Do returns it immediately
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || (config.Retryable != nil && !config.Retryable(err)) {
			return err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable checks if an error looks like a transient network or server failure
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"slow down",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
