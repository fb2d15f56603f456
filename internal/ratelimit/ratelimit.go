// Package ratelimit implements per-identity, fixed-window request
// admission. Buckets are sharded by a hash of the identity so that
// unrelated clients rarely contend on the same mutex.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/clock"
)

// Policy describes one named rate-limit policy. General routes use a
// lenient policy that counts every request; auth endpoints use a stricter
// policy that counts only failed attempts, so a legitimate user who signs
// in successfully never gets penalized for earlier typos.
type Policy struct {
	Limit             int
	Window            time.Duration
	CountOnlyFailures bool
}

// GeneralPolicy is the default policy applied to ordinary proxied routes.
func GeneralPolicy() Policy {
	return Policy{Limit: 100, Window: 15 * time.Minute}
}

// AuthPolicy is the stricter policy applied to authentication endpoints.
func AuthPolicy() Policy {
	return Policy{Limit: 5, Window: 15 * time.Minute, CountOnlyFailures: true}
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// Limiter is a sharded fixed-window rate limiter keyed by arbitrary string
// identity (the proxy engine uses a policy prefix plus the client IP).
type Limiter struct {
	clock  clock.Clock
	shards []*shardedMap
}

type shardedMap struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

const shardCount = 32

// New creates a Limiter using the real wall clock.
func New() *Limiter {
	return NewWithClock(clock.System{})
}

// NewWithClock creates a Limiter with an injectable clock, for tests.
func NewWithClock(c clock.Clock) *Limiter {
	l := &Limiter{clock: c, shards: make([]*shardedMap, shardCount)}
	for i := range l.shards {
		l.shards[i] = &shardedMap{buckets: make(map[string]*bucket)}
	}
	return l
}

// Admit reports whether a request from key is allowed under policy p. For
// a CountOnlyFailures policy, Admit does not itself count the request;
// call RecordFailure after the attempt resolves unsuccessfully.
func (l *Limiter) Admit(key string, p Policy) (allowed bool, retryAfter time.Duration) {
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(p.Window)
	}

	if b.count >= p.Limit {
		return false, b.resetAt.Sub(now)
	}

	if !p.CountOnlyFailures {
		b.count++
	}
	return true, 0
}

// RecordFailure counts a failed attempt against a CountOnlyFailures policy
// bucket (e.g. a failed login). It increments the count whatever the
// policy; general policies already count every request on Admit.
func (l *Limiter) RecordFailure(key string, p Policy) {
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(p.Window)
	}
	b.count++
}

func (l *Limiter) bucketFor(key string) *bucket {
	shard := l.shards[fnvHash(key)%uint32(len(l.shards))]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.buckets[key]
	if !ok {
		b = &bucket{}
		shard.buckets[key] = b
	}
	return b
}

// EvictExpired removes buckets whose window has already elapsed, bounding
// memory use for long-running processes with many distinct identities.
func (l *Limiter) EvictExpired() {
	now := l.clock.Now()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for key, b := range shard.buckets {
			b.mu.Lock()
			expired := now.After(b.resetAt)
			b.mu.Unlock()
			if expired {
				delete(shard.buckets, key)
			}
		}
		shard.mu.Unlock()
	}
}

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
