// Package poll implements the fixed-interval, deadline-bounded wait used for
// build status and application readiness checks.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when MaxWait elapses before the check reports done.
var ErrTimeout = errors.New("poll: wait ceiling exceeded")

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

type Config struct {
	Interval time.Duration
	MaxWait  time.Duration
	Clock    Clock
}

// CheckFunc reports whether polling can stop. A non-nil error stops polling
// and is returned as is. The ctx passed to a check expires at the wait
// deadline.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Until runs check immediately and then once per Interval until it reports
// done, fails, MaxWait elapses or ctx is cancelled. Neither waits nor checks
// extend past the deadline, except that a check starting at the deadline
// gets one Interval, so ErrTimeout is returned no later than one Interval
// after MaxWait.
func Until(ctx context.Context, cfg Config, check CheckFunc) error {
	if cfg.Interval <= 0 {
		return errors.New("poll: interval must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	deadline := clock.Now().Add(cfg.MaxWait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		budget := deadline.Sub(clock.Now())
		if budget <= 0 {
			budget = cfg.Interval
		}
		done, err := runCheck(ctx, budget, check)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return ErrTimeout
		}
		wait := cfg.Interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(wait):
		}
	}
}

type checkResult struct {
	done bool
	err  error
}

// runCheck gives check at most budget. A check still running when the
// budget expires is abandoned and reported as ErrTimeout.
func runCheck(ctx context.Context, budget time.Duration, check CheckFunc) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	results := make(chan checkResult, 1)
	go func() {
		done, err := check(checkCtx)
		results <- checkResult{done: done, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil && ctx.Err() == nil && errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			return false, ErrTimeout
		}
		return r.done, r.err
	case <-checkCtx.Done():
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return false, ErrTimeout
	}
}
