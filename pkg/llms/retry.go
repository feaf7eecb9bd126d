package llms

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RetryPolicy is the backoff schedule for LLM calls: initial 200ms,
// multiplier 2, cap 5s, max 3 attempts.
type RetryPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is the policy every CompletionClient caller should
// use unless it has a specific reason not to.
var DefaultRetryPolicy = RetryPolicy{
	Initial:     200 * time.Millisecond,
	Multiplier:  2,
	Cap:         5 * time.Second,
	MaxAttempts: 3,
}

// RetryAfterError is implemented by client errors that can report a
// provider-supplied Retry-After duration; WithCompletionRetry honors it
// over the computed backoff when present.
type RetryAfterError interface {
	error
	RetryAfter() (time.Duration, bool)
}

// retryableSubstrings classifies a transient LLM error when the
// provider error type doesn't otherwise expose a status code. This is
// the one place RestFlow matches on error text rather than a typed
// sentinel, because provider errors arrive as opaque strings from a
// caller-supplied CompletionClient RestFlow does not control.
var retryableSubstrings = []string{"429", "500", "502", "503", "504", "rate limit", "timeout"}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WithCompletionRetry calls fn, retrying on retryable errors per
// policy's exponential backoff, honoring a Retry-After the error
// reports via RetryAfterError when present.
func WithCompletionRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) (CompletionResponse, error)) (CompletionResponse, error) {
	delay := policy.Initial
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == policy.MaxAttempts {
			return CompletionResponse{}, err
		}

		wait := delay
		var rae RetryAfterError
		if errors.As(err, &rae) {
			if ra, ok := rae.RetryAfter(); ok {
				wait = ra
			}
		}

		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return CompletionResponse{}, lastErr
}
