package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// WithRetry retries failed calls with exponential backoff (base, 2*base,
// 4*base...). Only errors accepted by retryable are retried; nil means
// Transient. Cancellation of ctx stops the loop.
func WithRetry(maxRetries int, baseBackoff time.Duration, retryable func(error) bool, logger *slog.Logger) HandlerMiddleware {
	if retryable == nil {
		retryable = Transient
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if ctx.Err() != nil || !retryable(err) || attempt == maxRetries {
					return nil, lastErr
				}

				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "retrying call",
						"attempt", attempt+1,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, lastErr
				case <-t.C:
				}
			}
			return nil, lastErr
		}
	}
}
