// Package budget bounds what a run may spend: Controller limits the tokens
// and requests in flight, Enforcer caps usage per day or month.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCostExceedsLimit is returned by Acquire for a cost that could never be
// admitted, even with nothing else in flight.
var ErrCostExceedsLimit = errors.New("cost exceeds token limit")

// DefaultPollInterval bounds how long a waiter sleeps between admission
// attempts when no release wakes it first.
const DefaultPollInterval = 2 * time.Millisecond

// Limits are the in-flight ceilings enforced by a Controller.
type Limits struct {
	Tokens   int `json:"tokens" yaml:"tokens"`
	Requests int `json:"requests" yaml:"requests"`
}

// Usage is a point-in-time view of a Controller.
type Usage struct {
	TokensInFlight   int
	RequestsInFlight int
	TokenLimit       int
	RequestLimit     int
}

// Controller tracks the tokens and requests currently in flight against the
// remote service. All counter access goes through its mutex, so admit and
// release are each a single critical section.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	tokens   int
	requests int
	// released is closed and replaced on every Release to wake waiters.
	released chan struct{}
	poll     time.Duration
}

// NewController creates a Controller with the given limits.
func NewController(limits Limits) (*Controller, error) {
	if limits.Tokens <= 0 {
		return nil, fmt.Errorf("token limit must be positive, got %d", limits.Tokens)
	}
	if limits.Requests <= 0 {
		return nil, fmt.Errorf("request limit must be positive, got %d", limits.Requests)
	}
	return &Controller{
		limits:   limits,
		released: make(chan struct{}),
		poll:     DefaultPollInterval,
	}, nil
}

// SetPollInterval changes the fallback wait between admission attempts.
func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	c.mu.Lock()
	c.poll = d
	c.mu.Unlock()
}

// Limits returns the configured ceilings.
func (c *Controller) Limits() Limits {
	return c.limits
}

// TryAdmit admits a request of cost tokens if both ceilings allow it. On
// success both counters are incremented; on failure nothing changes.
func (c *Controller) TryAdmit(cost int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, _ := c.admitLocked(cost)
	return ok
}

// admitLocked performs the check-and-increment. When admission is denied it
// returns the channel that the next Release will close. c.mu must be held.
func (c *Controller) admitLocked(cost int) (bool, <-chan struct{}) {
	if cost < 0 {
		cost = 0
	}
	if c.tokens+cost > c.limits.Tokens || c.requests+1 > c.limits.Requests {
		return false, c.released
	}
	c.tokens += cost
	c.requests++
	return true, nil
}

// Release returns cost tokens and one request slot to the budget and wakes
// every waiter. It must be called once per successful TryAdmit.
func (c *Controller) Release(cost int) {
	if cost < 0 {
		cost = 0
	}
	c.mu.Lock()
	c.tokens -= cost
	if c.tokens < 0 {
		c.tokens = 0
	}
	c.requests--
	if c.requests < 0 {
		c.requests = 0
	}
	close(c.released)
	c.released = make(chan struct{})
	c.mu.Unlock()
}

// Acquire blocks until cost can be admitted or ctx is done. A cancelled
// waiter leaves the budget untouched.
func (c *Controller) Acquire(ctx context.Context, cost int) (*Lease, error) {
	if cost > c.limits.Tokens {
		return nil, fmt.Errorf("%w: cost %d, limit %d", ErrCostExceedsLimit, cost, c.limits.Tokens)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.mu.Lock()
		ok, wake := c.admitLocked(cost)
		poll := c.poll
		c.mu.Unlock()
		if ok {
			return &Lease{c: c, cost: cost}, nil
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Usage{
		TokensInFlight:   c.tokens,
		RequestsInFlight: c.requests,
		TokenLimit:       c.limits.Tokens,
		RequestLimit:     c.limits.Requests,
	}
}

// Lease is an admission granted by Acquire.
type Lease struct {
	c    *Controller
	cost int
	once sync.Once
}

// Cost returns the tokens held by the lease.
func (l *Lease) Cost() int {
	return l.cost
}

// Release returns the lease to its Controller. Only the first call has an
// effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.c.Release(l.cost) })
}
