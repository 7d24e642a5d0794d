// Package retry wraps single outbound HTTP calls with rate-limit aware backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMaxAttempts is returned after every allowed attempt was rate limited.
	ErrMaxAttempts = errors.New("max attempts exceeded")
	// ErrNonRetryable tags failures that are propagated without another attempt.
	ErrNonRetryable = errors.New("non-retryable error")
)

const (
	DefaultMaxAttempts = 5
	DefaultBase        = 2.0
)

// HTTPError is a non-2xx response from an upstream provider.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPError captures status, headers and a bounded body excerpt from resp.
// The caller still owns resp.Body.
func NewHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       strings.TrimSpace(string(body)),
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy retries an operation only while it keeps answering HTTP 429.
type Policy struct {
	MaxAttempts int
	Base        float64
	Sleep       SleepFunc
	Logger      *slog.Logger

	// OnRateLimited, if set, is called before each backoff sleep.
	OnRateLimited func(attempt int, wait time.Duration)
}

// NewPolicy returns a Policy with the default attempt budget and base.
func NewPolicy(logger *slog.Logger) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		Logger:      logger,
	}
}

// Do executes op under p. See Policy for the retry rules.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests {
			logger.Error("unrecoverable error, not retrying", "attempt", attempt, "error", err)
			return zero, fmt.Errorf("%w: %w", ErrNonRetryable, err)
		}

		if attempt == maxAttempts {
			break
		}

		wait := waitTime(httpErr.Header, attempt, p.base())
		logger.Warn("rate limited, backing off",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"wait", wait,
		)
		if p.OnRateLimited != nil {
			p.OnRateLimited(attempt, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w (%d)", ErrMaxAttempts, maxAttempts)
}

func (p Policy) base() float64 {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

// waitTime honours a numeric Retry-After header, else base^attempt seconds.
func waitTime(h http.Header, attempt int, base float64) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	secs := math.Trunc(math.Pow(base, float64(attempt)))
	return time.Duration(secs) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
