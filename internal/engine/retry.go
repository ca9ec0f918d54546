package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// IsRetryableError classifies whether a failed invocation should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: structural engine errors and wrapped validation failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context deadline exceeded is retryable (job timeout, not shutdown).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable: the process is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	permanentPatterns := []string{
		"invalid",
		"unauthorized",
		"forbidden",
		"permission denied",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Default: retryable; the job layer bounds the attempts.
	return true
}

// DefaultBackoff is the delay before each job retry: 30s, 60s, 120s.
var DefaultBackoff = BackoffSchedule{30 * time.Second, 60 * time.Second, 120 * time.Second}

// BackoffSchedule lists the delays before successive retries. Its length is
// the number of retries allowed after the first attempt.
type BackoffSchedule []time.Duration

// MaxAttempts returns the total number of attempts, first one included.
func (b BackoffSchedule) MaxAttempts() int {
	return len(b) + 1
}

// Delay returns the wait before attempt (1-based) and whether that attempt is
// allowed. Attempt 1 never waits.
func (b BackoffSchedule) Delay(attempt int) (time.Duration, bool) {
	switch {
	case attempt <= 1:
		return 0, true
	case attempt > b.MaxAttempts():
		return 0, false
	default:
		return b[attempt-2], true
	}
}

// ParseBackoff parses a comma-separated list of durations ("30s,1m,2m").
func ParseBackoff(s string) (BackoffSchedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make(BackoffSchedule, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil || d < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid backoff delay %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
