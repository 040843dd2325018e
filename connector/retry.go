package connector

import (
	"context"
	"fmt"
	"time"
)

// retryConnect retries connection establishment with exponential backoff,
// honoring context cancellation between attempts. Distinct from the guard's
// probe loop, which by contract has no cancellation.
func retryConnect(ctx context.Context, opts RetryConfig, connectFn func(context.Context) (Connection, error)) (Connection, error) {
	attempts := opts.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := opts.BaseDelay
	if delay == 0 {
		delay = time.Second
	}

	var err error
	for i := 0; i < attempts; i++ {
		var conn Connection
		conn, err = connectFn(ctx)
		if err == nil {
			return conn, nil
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", attempts, err)
}
