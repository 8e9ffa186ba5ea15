package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Launcher hands out fake handles and records how it was asked for them.
type Launcher struct {
	// Factory builds each new handle; defaults to a blank page.
	Factory func() *Handle

	mu       sync.Mutex
	errs     []error
	launches []browser.LaunchOptions
	attaches []string
	handles  []*Handle
}

var _ browser.Launcher = (*Launcher)(nil)

// FailNext queues errors for the next construction attempts.
func (l *Launcher) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, errs...)
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	l.mu.Lock()
	l.launches = append(l.launches, opts)
	l.mu.Unlock()
	return l.next(ctx)
}

func (l *Launcher) Attach(ctx context.Context, address string) (browser.Handle, error) {
	l.mu.Lock()
	l.attaches = append(l.attaches, address)
	l.mu.Unlock()
	return l.next(ctx)
}

func (l *Launcher) next(ctx context.Context) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return nil, err
	}
	var h *Handle
	if l.Factory != nil {
		h = l.Factory()
	} else {
		h = NewHandle("about:blank")
	}
	l.handles = append(l.handles, h)
	return h, nil
}

// Launches returns the options of every Launch call, failed ones included.
func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}

// Attaches returns the addresses of every Attach call.
func (l *Launcher) Attaches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.attaches...)
}

// Handles returns the handles built so far.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// Clock is a manual clock whose Sleep advances time instantly.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
	slept []time.Duration
}

var _ browser.Clock = (*Clock)(nil)

// NewClock returns a clock fixed at a stable instant.
func NewClock() *Clock {
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Clock{now: t, start: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Elapsed returns the time passed since the clock was created.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

// Sleeps returns every duration passed to Sleep.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}
