// Package retry runs network operations with bounded exponential backoff.
// Failures are transient unless marked Permanent or recognised as such.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/vk/bootstrapgo/internal/ctxlog"
)

// Policy defines retry backoff behavior.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy is used by the HTTP providers and the remote cache.
var DefaultPolicy = Policy{
	MaxAttempts:  4,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// NextDelay returns the retry delay for attempt N (1-based).
func (p Policy) NextDelay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return max(p.InitialDelay, 0)
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Sprintf("%s %s: unexpected status %d %s", method, e.URL, e.Code, http.StatusText(e.Code))
}

// IsTransient reports whether err is worth another attempt: timeouts,
// connection failures, HTTP 429 and 5xx. Cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs op until it succeeds, fails permanently, runs out of attempts or
// ctx is done. The returned error is the last failure.
func Do(ctx context.Context, p Policy, what string, op func(context.Context) error) error {
	logger := ctxlog.FromContext(ctx)
	attempts := max(p.MaxAttempts, 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			break
		}
		delay := p.NextDelay(attempt, rng)
		logger.Warn("Transient failure, retrying.", "operation", what, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
