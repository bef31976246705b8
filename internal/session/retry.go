package session

import (
	"context"
	"time"

	"github.com/michaelbrown/convo/internal/llm"
)

// RetryPolicy retries provider calls that fail with a retryable error. The
// zero value never retries.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 2 disable retries.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Backoff is the delay before the first retry; it doubles each time.
	Backoff time.Duration `mapstructure:"backoff"`
}

func (p RetryPolicy) allows(attempt int, err error) bool {
	return attempt < p.MaxAttempts && llm.IsRetryable(err)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	return p.Backoff << (attempt - 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
