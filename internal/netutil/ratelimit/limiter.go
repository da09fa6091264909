// Package ratelimit provides keyed token-bucket rate limiting, used by the
// chat sink's inter-send gap and the dashboard bridge's per-IP API limit.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket rate limiter keyed by an arbitrary string (an
// IP address, a sink name, ...). Each key gets its own independent bucket.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a keyed rate limiter with the given requests-per-second
// and burst capacity applied uniformly to every key.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key is allowed right now.
func (l *Limiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

// Wait blocks until a request for key is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.getLimiter(key).Wait(ctx)
}

// Reset clears all per-key buckets.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}

// Len returns the number of distinct keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// BoundedLimiter is a keyed token-bucket limiter that evicts the
// least-recently-used key once the tracked key count exceeds maxKeys, so a
// public endpoint (the dashboard REST API, keyed by client IP) cannot be
// grown without bound by an attacker cycling source addresses.
type BoundedLimiter struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	maxKeys  int
	limiters map[string]*list.Element
	order    *list.List // front = most recently used
}

type boundedEntry struct {
	key     string
	limiter *rate.Limiter
}

// NewBoundedLimiter creates an LRU-evicting keyed limiter capped at maxKeys
// entries (spec default: 10,000 IPs for the dashboard REST API).
func NewBoundedLimiter(rps float64, burst, maxKeys int) *BoundedLimiter {
	return &BoundedLimiter{
		rps:      rps,
		burst:    burst,
		maxKeys:  maxKeys,
		limiters: make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Allow reports whether a request for key is allowed right now, creating
// (or promoting) the key's bucket and evicting the LRU key if over capacity.
func (l *BoundedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, exists := l.limiters[key]
	if exists {
		l.order.MoveToFront(elem)
		return elem.Value.(*boundedEntry).limiter.Allow()
	}

	limiter := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	elem = l.order.PushFront(&boundedEntry{key: key, limiter: limiter})
	l.limiters[key] = elem

	if l.order.Len() > l.maxKeys {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.limiters, oldest.Value.(*boundedEntry).key)
		}
	}

	return limiter.Allow()
}

// Len returns the number of distinct keys currently tracked.
func (l *BoundedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
