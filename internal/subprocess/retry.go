package subprocess

import (
	"context"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
)

// BackoffDelay returns the un-jittered wait before retry n (1-based):
// base * 2^(n-1), capped at maxDelay.
func BackoffDelay(n int, base, maxDelay time.Duration) time.Duration {
	if n < 1 {
		return 0
	}
	if n > 30 {
		return maxDelay
	}
	d := backoff.BinaryExponential(base)(uint(n - 1))
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// RunWithRetry runs c, retrying retryable failures with exponential backoff
// and jitter. Auth, credit and permanent failures return on the first attempt.
func (r *Runner) RunWithRetry(ctx context.Context, c Cmd) (string, error) {
	var out string
	var lastErr error

	err := retry.Retry(func(attempt uint) error {
		var err error
		out, err = r.Run(ctx, c)
		lastErr = err
		return err
	}, r.retryStrategy(ctx, c, &lastErr))

	return out, err
}

func (r *Runner) retryStrategy(ctx context.Context, c Cmd, lastErr *error) strategy.Strategy {
	return func(attempt uint) bool {
		if attempt == 0 {
			return true
		}
		if int(attempt) > r.maxRetries || ctx.Err() != nil {
			return false
		}
		if !KindOf(*lastErr).Retryable() {
			return false
		}

		delay := r.jitter(BackoffDelay(int(attempt), r.baseDelay, r.maxDelay))
		r.logger.Warn("retrying command",
			"cmd", strings.Join(c.argv(), " "),
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"delay", delay,
			"err", *lastErr)
		return r.sleep(ctx, delay) == nil
	}
}
