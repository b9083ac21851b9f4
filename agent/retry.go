package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// retrier retries calls to the center server with capped exponential backoff.
type retrier struct {
	initial    time.Duration
	ceiling    time.Duration
	maxRetries int
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	r := &retrier{
		initial:    500 * time.Millisecond,
		maxRetries: max(maxRetries, 0),
	}
	if initialMs > 0 {
		r.initial = time.Duration(initialMs) * time.Millisecond
	}
	r.ceiling = max(time.Duration(maxMs)*time.Millisecond, r.initial)
	return r
}

// pacedBackOff is a jittered exponential schedule capped at ceiling. A
// Retry-After hint from the last response stretches the next delay.
type pacedBackOff struct {
	backoff.BackOff
	ceiling time.Duration
	hint    time.Duration
}

func (b *pacedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	d = max(d, b.hint)
	b.hint = 0
	return min(d, b.ceiling)
}

func (r *retrier) schedule() *pacedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initial
	exp.MaxInterval = r.ceiling
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &pacedBackOff{BackOff: exp, ceiling: r.ceiling}
}

// do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx ends.
func (r *retrier) do(ctx context.Context, op string, fn func() error, retryable func(error) bool) error {
	paced := r.schedule()
	policy := backoff.WithContext(backoff.WithMaxRetries(paced, uint64(r.maxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		var statusErr retryableStatusError
		if errors.As(err, &statusErr) {
			paced.hint = statusErr.retryAfter
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		attempt++
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("sleep", delay).Msg("Retrying request")
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return errors.Join(err, ctx.Err())
	}
	return err
}

func isRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

func isRetryableStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// retryableStatusError is a 5xx or 429 response.
type retryableStatusError struct {
	status     int
	retryAfter time.Duration
}

func newRetryableStatusError(resp *http.Response) retryableStatusError {
	err := retryableStatusError{status: resp.StatusCode}
	if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
		err.retryAfter = time.Duration(secs) * time.Second
	}
	return err
}

func (e retryableStatusError) Error() string {
	return fmt.Sprintf("server returned %d %s", e.status, http.StatusText(e.status))
}

// statusError is a response the server will keep rejecting.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.status, e.body)
}
