package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ConcurrencyLimiter object
type ConcurrencyLimiter struct {
	name    string
	tickets chan struct{}

	mu         sync.Mutex
	inProgress int32
}

// NewConcurrencyLimiter allocates a new ConcurrencyLimiter. This is useful
// for limiting the amount of functions running at once.
func NewConcurrencyLimiter(name string, limit int) *ConcurrencyLimiter {
	if limit <= 0 {
		limit = 1
	}

	return &ConcurrencyLimiter{
		name:    name,
		tickets: make(chan struct{}, limit),
	}
}

// Wait waits for a free ticket. Callers must call Release once done.
func (c *ConcurrencyLimiter) Wait(ctx context.Context) error {
	select {
	case c.tickets <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.inProgress++
	c.mu.Unlock()

	return nil
}

// Release gives the ticket back.
func (c *ConcurrencyLimiter) Release() {
	<-c.tickets

	c.mu.Lock()
	c.inProgress--
	c.mu.Unlock()
}

// InProgress returns how many tickets are being used
func (c *ConcurrencyLimiter) InProgress() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inProgress
}

func (c *ConcurrencyLimiter) Name() string {
	return c.name
}

// DurationLimiter represents something that will wait until the ratelimit
// has cleared. It allows limit calls to Lock within each window of duration,
// the window starting at the first Lock after the previous one expired.
type DurationLimiter struct {
	name  string
	clock clock.Clock

	mu        sync.Mutex
	limit     int32
	duration  time.Duration
	resetsAt  time.Time
	available int32
}

// NewDurationLimiter creates a DurationLimiter. This is useful for allowing
// a specific operation to run only X amount of times in a duration of Y.
func NewDurationLimiter(name string, c clock.Clock, limit int32, duration time.Duration) *DurationLimiter {
	if c == nil {
		c = clock.New()
	}

	return &DurationLimiter{
		name:     name,
		clock:    c,
		limit:    limit,
		duration: duration,
	}
}

// Lock waits until there is an available slot in the Limiter.
func (l *DurationLimiter) Lock(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}

		timer := l.clock.Timer(wait)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}
	}
}

// reserve takes a slot if one is free and returns zero, or returns how long
// until the current window resets.
func (l *DurationLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	if !l.resetsAt.After(now) {
		l.resetsAt = now.Add(l.duration)
		l.available = l.limit
	}

	if l.available <= 0 {
		return l.resetsAt.Sub(now)
	}

	l.available--

	return 0
}

// Reset starts a fresh window from now with no slots used.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetsAt = l.clock.Now().Add(l.duration)
	l.available = l.limit
}

func (l *DurationLimiter) Name() string {
	return l.name
}
