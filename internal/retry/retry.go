// Package retry retries secondary-effect writes (audit entries, run events)
// with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// AuditPolicy is used for best-effort audit writes. It is short so a failing
// store never adds noticeable latency to a scoring request.
var AuditPolicy = Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Retryable reports whether err is worth another attempt. Caller mistakes
// (validation, not found, authz, conflict) and context errors are final.
func Retryable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := apperr.As(err); ok {
		return apperr.KindOf(err) == apperr.KindInternal
	}
	return true
}

// backoff returns the sleep before retry n (0-based): BaseDelay doubled n
// times, capped, with +-25% jitter.
func (p Policy) backoff(n int) time.Duration {
	d := p.BaseDelay << n
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. A PermanentError is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			break
		}
		if n == attempts-1 {
			break
		}
		t := time.NewTimer(p.backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// Do runs fn under a policy of maxAttempts and baseDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}
