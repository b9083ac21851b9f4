package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts events per key in fixed windows. It guards admin
// bootstrap and throttles callers that keep failing authentication.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
	calls   int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow records one event for key and reports whether it is within limit.
// A non-positive limit disables the check.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.currentLocked(key, window)
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Exceeded reports whether key has already used up limit in its current
// window without recording anything.
func (rl *RateLimiter) Exceeded(key string, limit int) bool {
	if limit <= 0 {
		return false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.entries[key]
	if !ok || rl.now().After(rec.reset) {
		return false
	}
	return rec.count >= limit
}

// Record counts one event for key.
func (rl *RateLimiter) Record(key string, window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.currentLocked(key, window)
	rec.count++
	rl.entries[key] = rec
}

func (rl *RateLimiter) currentLocked(key string, window time.Duration) rateRecord {
	now := rl.now()
	rl.calls++
	if rl.calls%256 == 0 {
		for k, r := range rl.entries {
			if now.After(r.reset) {
				delete(rl.entries, k)
			}
		}
	}
	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	return rec
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}
