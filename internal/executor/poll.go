package executor

import (
	"context"
	"errors"
	"time"
)

// ErrPollExhausted is returned when a poll loop reaches its attempt cap
// without observing a terminal state.
var ErrPollExhausted = errors.New("polling attempts exhausted")

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PollPolicy is a bounded fixed-interval poll loop.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       Sleeper
}

// Poll calls check until it reports done, returns an error, the context ends
// or MaxAttempts checks have been made. The first check runs after one
// interval.
func (p PollPolicy) Poll(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrPollExhausted
}
