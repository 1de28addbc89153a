package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalProvider is an in-process fixed-window counter. It gives the same
// semantics as RedisProvider but only sees this replica's traffic, so it
// under-counts in multi-replica deployments. That is acceptable as the
// best-effort path during a store outage, never as the primary.
type LocalProvider struct {
	defaultLimit int
	window       time.Duration

	mu       sync.Mutex
	counters map[string]*localCounter
	lastSwep time.Time
}

type localCounter struct {
	count   int64
	resetAt time.Time
}

// NewLocalProvider returns the in-process admission provider.
func NewLocalProvider(defaultLimit int, window time.Duration) *LocalProvider {
	return &LocalProvider{
		defaultLimit: defaultLimit,
		window:       window,
		counters:     make(map[string]*localCounter),
	}
}

func (p *LocalProvider) Name() string { return "local-fixed-window" }

func (p *LocalProvider) Check(_ context.Context, rc Context) (*Decision, error) {
	limit := int64(p.defaultLimit)
	if rc.Limit > 0 {
		limit = int64(rc.Limit)
	}

	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweep(now)

	c, ok := p.counters[rc.UserID]
	if !ok || now.After(c.resetAt) {
		c = &localCounter{resetAt: windowEnd(now, p.window)}
		p.counters[rc.UserID] = c
	}

	c.count++
	if c.count > limit {
		return &Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			ResetAt:    c.resetAt,
			RetryAfter: c.resetAt.Sub(now),
			Provider:   p.Name(),
		}, nil
	}

	return &Decision{
		Allowed:   true,
		Remaining: limit - c.count,
		Limit:     limit,
		ResetAt:   c.resetAt,
		Provider:  p.Name(),
	}, nil
}

// sweep drops counters from expired windows. Runs at most once per window
// so a long-lived process does not accumulate dead entries.
func (p *LocalProvider) sweep(now time.Time) {
	if now.Sub(p.lastSwep) < p.window {
		return
	}
	for key, c := range p.counters {
		if now.After(c.resetAt) {
			delete(p.counters, key)
		}
	}
	p.lastSwep = now
}
