// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"
)

const shardCount = 256

// bucket is the per-IP token-bucket entry. Fields are mutated only while
// holding the owning shard's lock.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a per-source-IP token-bucket rate limiter backed by a sharded
// map, plus a background sweeper that reclaims idle entries.
type Limiter struct {
	maxTokens   float64
	refillRate  float64
	idleTimeout time.Duration
	shards      [shardCount]*shard

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Limiter with the given burst capacity (maxTokens), refill
// rate in tokens/second, and idle timeout used by the sweeper.
func New(maxTokens, refillRate float64, idleTimeout time.Duration) *Limiter {
	l := &Limiter{
		maxTokens:   maxTokens,
		refillRate:  refillRate,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// hashIP returns a shard index in [0, shardCount) for the given IP string.
// No allocation, deliberately simple: this is a load-spreading hash, not a
// security boundary.
func hashIP(ip string) uint32 {
	var h uint32 = 2166136261 // FNV-1a offset basis
	for i := 0; i < len(ip); i++ {
		h ^= uint32(ip[i])
		h *= 16777619
	}
	return h % shardCount
}

func (l *Limiter) shardFor(ip string) *shard {
	return l.shards[hashIP(ip)]
}

// Allow runs the check(ip, now) contract from the rate limiter design:
// locate-or-insert, refill, and consume a token if available. It returns
// true (ALLOW) or false (DENY) and never blocks on any shard other than
// the one owning ip.
func (l *Limiter) Allow(ip string) bool {
	return l.AllowAt(ip, time.Now())
}

// AllowAt is Allow with an explicit "now", exposed so tests can exercise
// refill behavior deterministically without sleeping.
func (l *Limiter) AllowAt(ip string, now time.Time) bool {
	s := l.shardFor(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now, lastSeen: now}
		s.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * l.refillRate
	if b.tokens > l.maxTokens {
		b.tokens = l.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		b.lastSeen = now
		return true
	}

	b.lastSeen = now
	return false
}

// StartSweeper launches the background eviction task. It blocks until Stop
// is called, so callers should run it in its own goroutine.
func (l *Limiter) StartSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	for _, s := range l.shards {
		s.mu.Lock()
		for ip, b := range s.buckets {
			if now.Sub(b.lastSeen) > l.idleTimeout {
				delete(s.buckets, ip)
			}
		}
		s.mu.Unlock()
	}
}

// Stop signals the sweeper to exit. Safe to call even if StartSweeper was
// never started (the sweeper need not run when features.enable_rate_limiter
// is false).
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Stats returns the number of IPs currently tracked, across all shards.
// Intended for the observability endpoint's optional extended metrics.
func (l *Limiter) Stats() (trackedIPs int) {
	for _, s := range l.shards {
		s.mu.Lock()
		trackedIPs += len(s.buckets)
		s.mu.Unlock()
	}
	return trackedIPs
}
