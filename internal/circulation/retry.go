package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a unit of work is re-run after store
// contention. Only errors wrapping ErrTransient are retried.
type RetryPolicy struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     400 * time.Millisecond,
		Multiplier:      2,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts == 0 {
		return fmt.Errorf("%w: retry needs at least one attempt", ErrValidation)
	}
	if p.InitialInterval < 0 || p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("%w: retry intervals must satisfy 0 <= initial <= max", ErrValidation)
	}
	return nil
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Do runs op until it succeeds, fails with a non-transient error, the
// attempts are used up or ctx is done. notify, if set, is called before each
// wait. The error of the last attempt is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, notify func(err error, next time.Duration)) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err == nil || errors.Is(err, ErrTransient) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, opts...)

	// Retry leaves the wrapper in place when the last attempt is permanent.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
