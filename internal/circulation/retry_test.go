package circulation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts uint) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	var waits int
	err := fastRetry(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: serialization failure", ErrTransient)
		}
		return nil
	}, func(error, time.Duration) { waits++ })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, waits)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: lock timeout", ErrTransient)
	}, nil)

	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRepeatDenialsOrFaults(t *testing.T) {
	for _, fail := range []error{
		Deny(ReasonUnavailable, "book 1"),
		fmt.Errorf("%w: bad id", ErrValidation),
		errors.New("disk on fire"),
	} {
		calls := 0
		err := fastRetry(5).Do(context.Background(), func(context.Context) error {
			calls++
			return fail
		}, nil)
		assert.Equal(t, 1, calls, fail.Error())
		assert.Equal(t, fail, err, "the original error comes back unwrapped")
	}
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{MaxAttempts: 10, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}.Do(ctx,
		func(context.Context) error {
			calls++
			cancel()
			return ErrTransient
		}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().validate())
	assert.ErrorIs(t, RetryPolicy{}.validate(), ErrValidation)
	assert.ErrorIs(t, RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Millisecond}.validate(), ErrValidation)
}

func TestOutcomeAndStoreFault(t *testing.T) {
	tests := []struct {
		err        error
		outcome    string
		storeFault bool
	}{
		{nil, "ok", false},
		{Deny(ReasonBorrowLimit, ""), "borrow limit reached", false},
		{fmt.Errorf("%w: x", ErrValidation), "invalid", false},
		{fmt.Errorf("book 1: %w", ErrNotFound), "not_found", false},
		{fmt.Errorf("%w: deadlock", ErrTransient), "transient", false},
		{context.Canceled, "canceled", false},
		{&RateLimitError{Delay: time.Second}, "rate_limited", false},
		{errors.New("connection reset"), "store_failure", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.outcome, outcome(tt.err))
		assert.Equal(t, tt.storeFault, isStoreFault(tt.err))
	}
}
