package connection

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/user/agentlink/pkg/backend"
)

// RetryPolicy backs off between failed token requests. Only transient
// failures are retried; an expired session or a rejected key is final.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy makes 3 attempts starting at 500ms, doubling up to 10s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-indexed) may be followed by
// another one after err.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && transient(err)
}

// transient classifies err by what the backend client can return: REST
// status errors, network errors and cancellation.
func transient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *backend.StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NextDelay is the wait after attempt (1-indexed), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// Execute calls fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
