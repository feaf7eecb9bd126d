package llms

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     time.Millisecond,
		Multiplier:  2,
		Cap:         5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	resp, err := WithCompletionRetry(context.Background(), fastPolicy(), func(ctx context.Context) (CompletionResponse, error) {
		calls++
		if calls < 3 {
			return CompletionResponse{}, errors.New("upstream returned 503")
		}
		return CompletionResponse{FinishReason: "stop"}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := WithCompletionRetry(context.Background(), fastPolicy(), func(ctx context.Context) (CompletionResponse, error) {
		calls++
		return CompletionResponse{}, errors.New("rate limit hit")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, err := WithCompletionRetry(context.Background(), fastPolicy(), func(ctx context.Context) (CompletionResponse, error) {
		calls++
		return CompletionResponse{}, errors.New("invalid api key")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

// retryAfterErr reports a provider-specified wait.
type retryAfterErr struct{ wait time.Duration }

func (e *retryAfterErr) Error() string                      { return "429 too many requests" }
func (e *retryAfterErr) RetryAfter() (time.Duration, bool) { return e.wait, true }

func TestRetryHonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	_, err := WithCompletionRetry(context.Background(), fastPolicy(), func(ctx context.Context) (CompletionResponse, error) {
		calls++
		if calls == 1 {
			return CompletionResponse{}, &retryAfterErr{wait: 30 * time.Millisecond}
		}
		return CompletionResponse{}, nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected Retry-After wait, finished in %v", elapsed)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	_, err := WithCompletionRetry(ctx, RetryPolicy{
		Initial: time.Minute, Multiplier: 2, Cap: time.Minute, MaxAttempts: 3,
	}, func(ctx context.Context) (CompletionResponse, error) {
		calls++
		return CompletionResponse{}, errors.New("timeout talking to provider")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt before the long backoff, got %d", calls)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("server error: 500"), true},
		{errors.New("bad gateway 502"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("gateway timeout 504"), true},
		{errors.New("Rate Limit exceeded"), true},
		{errors.New("request timeout"), true},
		{context.DeadlineExceeded, true},
		{errors.New("invalid request"), false},
		{errors.New("model not found"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.retryable {
			t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}
