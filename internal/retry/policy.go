// Package retry provides a bounded exponential backoff policy shared by every
// retryable operation in the pipeline.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the first try, so a policy
// with MaxAttempts 3 sleeps at most twice: BaseDelay, then BaseDelay*Multiplier.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy is used for provider page requests.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Notify is called after a failed attempt, before sleeping for delay.
type Notify func(attempt int, err error, delay time.Duration)

// Permanent wraps err so that Do returns it immediately without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The last error from op is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		p.backOff(ctx),
		func(err error, delay time.Duration) {
			if notify != nil {
				notify(attempt, err, delay)
			}
		},
	)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = 10 * time.Minute
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}
