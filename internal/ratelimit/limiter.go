// Package ratelimit provides a sharded per-key rate limiter built on
// golang.org/x/time/rate, guarding the Forward Dispatcher and the
// registration surface against a single noisy domain starving the rest.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 16

type shard struct {
	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is a sharded collection of token buckets keyed by an arbitrary
// string (typically a domain name), one bucket per key.
type Limiter struct {
	rps    rate.Limit
	burst  int
	maxAge time.Duration
	shards [shardCount]*shard
}

// New builds a Limiter allowing rps sustained events per second per key with
// burst headroom. Idle keys are evicted after maxAge of disuse.
func New(rps float64, burst int, maxAge time.Duration) *Limiter {
	l := &Limiter{rps: rate.Limit(rps), burst: burst, maxAge: maxAge}
	for i := range l.shards {
		l.shards[i] = &shard{limiters: make(map[string]*entry)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Allow reports whether an event for key may proceed now, consuming a token
// if so.
func (l *Limiter) Allow(key string) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		s.limiters[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter.Allow()
}

// Cleanup evicts buckets idle for longer than maxAge. Intended to be called
// periodically from a janitor goroutine.
func (l *Limiter) Cleanup() {
	cutoff := time.Now().Add(-l.maxAge)
	for _, s := range l.shards {
		s.mu.Lock()
		for k, e := range s.limiters {
			if e.lastUsed.Before(cutoff) {
				delete(s.limiters, k)
			}
		}
		s.mu.Unlock()
	}
}
