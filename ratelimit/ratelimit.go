// Package ratelimit provides per-key request limiters used to throttle
// pings and metadata retrievals.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// shards controls how many independent shards a limiter uses. Each shard
// has its own mutex so that different keys rarely contend.
const shards = 16

// Policy names the counting algorithm of a limiter.
type Policy string

const (
	// Fixed counts hits in consecutive windows that start at the first hit.
	Fixed Policy = "fixed"

	// Sliding keeps the timestamps of the last hits and admits a request
	// when fewer than the limit fall into the trailing window.
	Sliding Policy = "sliding"

	// Token refills a bucket of the limit's size at hits per window.
	Token Policy = "token"
)

// ParsePolicy returns the policy with the given (case insensitive) name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case Fixed, Sliding, Token:
		return p, nil
	}
	return "", fmt.Errorf("unknown rate limit policy %q", s)
}

// Limiter decides whether the next request for a key is allowed.
// Implementations are safe for concurrent use.
type Limiter interface {
	// Allow records a hit for key and reports whether it is within the
	// limit. A rejected hit is not counted.
	Allow(key string) bool

	// Cleanup evicts keys that have been idle for longer than a window.
	Cleanup()
}

// Option configures a limiter.
type Option func(*limiter)

// WithClock replaces time.Now. Used by tests to move time.
func WithClock(now func() time.Time) Option {
	return func(l *limiter) {
		l.now = now
	}
}

type counter struct {
	// fixed
	start time.Time
	count uint

	// sliding
	hits []time.Time

	// token
	tokens float64

	lastSeen time.Time
}

type limiter struct {
	policy Policy
	limit  uint
	window time.Duration
	now    func() time.Time
	shards [shards]shard
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// New returns a limiter admitting limit hits per key within window.
func New(policy Policy, limit uint, window time.Duration, opts ...Option) (Limiter, error) {
	if limit == 0 {
		return nil, fmt.Errorf("rate limit must not be zero")
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive")
	}
	switch policy {
	case Fixed, Sliding, Token:
	default:
		return nil, fmt.Errorf("unknown rate limit policy %q", policy)
	}
	l := &limiter{
		policy: policy,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.shards {
		l.shards[i].counters = make(map[string]*counter)
	}
	return l, nil
}

func (l *limiter) shard(key string) *shard {
	return &l.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shards))
}

func (l *limiter) Allow(key string) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{start: now, tokens: float64(l.limit)}
		s.counters[key] = c
	}
	c.lastSeen = now

	switch l.policy {
	case Fixed:
		return l.allowFixed(c, now)
	case Sliding:
		return l.allowSliding(c, now)
	case Token:
		return l.allowToken(c, now)
	}
	panic("unreachable")
}

func (l *limiter) allowFixed(c *counter, now time.Time) bool {
	if now.Sub(c.start) >= l.window {
		c.start = now
		c.count = 0
	}
	if c.count >= l.limit {
		return false
	}
	c.count++
	return true
}

func (l *limiter) allowSliding(c *counter, now time.Time) bool {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(c.hits) && !c.hits[i].After(cutoff) {
		i++
	}
	c.hits = c.hits[i:]
	if uint(len(c.hits)) >= l.limit {
		return false
	}
	c.hits = append(c.hits, now)
	return true
}

func (l *limiter) allowToken(c *counter, now time.Time) bool {
	burst := float64(l.limit)
	rate := burst / l.window.Seconds()

	elapsed := now.Sub(c.start).Seconds()
	if elapsed > 0 {
		c.tokens += elapsed * rate
		if c.tokens > burst {
			c.tokens = burst
		}
	}
	c.start = now

	if c.tokens < 1.0 {
		return false
	}
	c.tokens--
	return true
}

// Cleanup is called periodically so that the Allow path never iterates
// the maps.
func (l *limiter) Cleanup() {
	now := l.now()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, c := range s.counters {
			if now.Sub(c.lastSeen) > l.window {
				delete(s.counters, k)
			}
		}
		s.mu.Unlock()
	}
}

// size returns the number of tracked keys.
func (l *limiter) size() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}
