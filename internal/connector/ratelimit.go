package connector

import (
	"strconv"
	"sync"
	"time"

	"execution-core/pkg/logger"
)

// RateLimiter tracks request-weight usage reported by a broker API.
type RateLimiter struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a rate limiter for the given weight budget per
// reset window.
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader updates the used weight from an API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}

	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		logger.S().Errorw("rate limit critical", "used", rl.usedWeight, "limit", rl.limit)
	} else if percentage >= 80 {
		logger.S().Warnw("rate limit high", "used", rl.usedWeight, "limit", rl.limit)
	}
}

// Usage returns current usage information.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay reports whether the next request should back off.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
