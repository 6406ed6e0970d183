package internal

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// BackoffKind selects how the retry delay grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// ParseBackoffKind accepts "exponential" or "linear", case-insensitively.
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch BackoffKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffExponential:
		return BackoffExponential, nil
	case BackoffLinear:
		return BackoffLinear, nil
	}
	return "", fmt.Errorf("unknown backoff %q, expected exponential or linear", s)
}

// RetryPolicy computes the wait before each retry.
type RetryPolicy struct {
	Kind   BackoffKind
	Base   time.Duration
	Max    time.Duration
	Jitter bool

	rand func() float64
}

// Delay returns the wait before retry n, where n=1 is the wait after the
// first failed attempt. Exponential delays are Base*2^(n-1), linear ones
// Base*n, both capped at Max. Jitter then adds up to Base.
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	var d time.Duration
	switch p.Kind {
	case BackoffLinear:
		d = p.Base * time.Duration(n)
		if d > maxDelay || d < 0 {
			d = maxDelay
		}
	default:
		b := &backoff.Backoff{
			Min:    p.Base,
			Max:    maxDelay,
			Factor: 2,
		}
		d = b.ForAttempt(float64(n - 1))
	}

	if p.Jitter {
		rnd := p.rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d += time.Duration(rnd() * float64(p.Base))
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
