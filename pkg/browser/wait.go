package browser

import (
	"context"
	"errors"
	"time"
)

// Clock abstracts time so waits can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Condition is polled until it reports true. A non-nil error aborts the poll;
// conditions that tolerate lookup failures should swallow them and return false.
type Condition func(ctx context.Context) (bool, error)

// DefaultPollInterval is the spacing between condition checks.
const DefaultPollInterval = 250 * time.Millisecond

// Poller evaluates conditions at a fixed interval against a Clock.
type Poller struct {
	Clock    Clock
	Interval time.Duration
}

// NewPoller returns a poller on clock (SystemClock when nil).
func NewPoller(clock Clock, interval time.Duration) Poller {
	if clock == nil {
		clock = SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return Poller{Clock: clock, Interval: interval}
}

// Until polls cond until it holds, the timeout elapses, or ctx is done.
// The condition is always evaluated at least once. A timeout of zero or less
// waits without a deadline. Expiry returns ErrOperationTimeout.
func (p Poller) Until(ctx context.Context, timeout time.Duration, cond Condition) error {
	clock := p.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	start := clock.Now()
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := interval
		if timeout > 0 {
			remaining := timeout - clock.Now().Sub(start)
			if remaining <= 0 {
				return ErrOperationTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// PollUntil polls cond on the wall clock.
func PollUntil(ctx context.Context, timeout, interval time.Duration, cond Condition) error {
	return NewPoller(SystemClock{}, interval).Until(ctx, timeout, cond)
}

// WaitFor polls until an element matching q exists and returns it, or nil on
// timeout. Lookup errors count as absence.
func (p Poller) WaitFor(ctx context.Context, h Handle, q Query, timeout time.Duration) (Element, error) {
	var found Element
	err := p.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		found = First(ctx, h, q)
		return found != nil, nil
	})
	if errors.Is(err, ErrOperationTimeout) {
		return nil, nil
	}
	return found, err
}

// WaitGone polls until nothing matches q. It reports whether the query cleared.
func (p Poller) WaitGone(ctx context.Context, h Handle, q Query, timeout time.Duration) (bool, error) {
	err := p.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		return Count(ctx, h, q) == 0, nil
	})
	if errors.Is(err, ErrOperationTimeout) {
		return false, nil
	}
	return err == nil, err
}
