// Package ratelimit keeps one token bucket per remote address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits packets per source address. A zero or negative rate
// disables limiting.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*entry
}

// New creates a limiter allowing perSecond packets with the given burst.
func New(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

// Allow reports whether a packet from addr may be processed now.
func (l *Limiter) Allow(addr string) bool {
	return l.AllowAt(addr, time.Now())
}

// AllowAt is Allow at an explicit time.
func (l *Limiter) AllowAt(addr string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[addr] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune forgets addresses not seen for idle. Returns how many were removed.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, e := range l.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked addresses.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
