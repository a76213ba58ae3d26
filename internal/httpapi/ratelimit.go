package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// Per-user token bucket. A bucket holds up to Burst tokens and refills at
// MaxRequests/WindowSeconds tokens per second. A rejected request gets 429
// with Retry-After set to when the next token appears; the client treats
// that as retryable and the queued item stays in place.

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucketAt(capacity, refillRate, time.Now)
}

func newTokenBucketAt(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
// Returns (allowed, tokensRemaining, nextTokenTime, fullResetTime); nextTokenTime
// feeds Retry-After and fullResetTime feeds X-RateLimit-Reset.
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded / tb.refillRate * float64(time.Second)))

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext * float64(time.Second)))

	return false, 0, nextTokenTime, fullResetTime
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

func (c RateLimitInfo) orDefault() RateLimitInfo {
	if c.WindowSeconds <= 0 || c.MaxRequests <= 0 || c.Burst <= 0 {
		return DefaultRateLimitConfig
	}
	return c
}

// RateLimiter manages per-user token buckets
type RateLimiter struct {
	buckets map[string]*TokenBucket
	config  RateLimitInfo
	now     func() time.Time
	mu      sync.RWMutex
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		now:     time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

func (rl *RateLimiter) getBucket(userID string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[userID]
	rl.mu.RUnlock()

	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if bucket, exists := rl.buckets[userID]; exists {
		return bucket
	}

	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = newTokenBucketAt(rl.config.Burst, refillRate, rl.now)
	rl.buckets[userID] = bucket
	return bucket
}

// Allow checks if the user is allowed to make a request
func (rl *RateLimiter) Allow(userID string) (bool, int, time.Time, time.Time) {
	return rl.getBucket(userID).Allow()
}

// cleanupLoop drops buckets idle for more than an hour
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.sweep(time.Hour)
	}
}

func (rl *RateLimiter) sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for userID, bucket := range rl.buckets {
		if rl.now().Sub(bucket.idleSince()) > idle {
			delete(rl.buckets, userID)
			removed++
		}
	}
	return removed
}

// RateLimitMiddleware enforces rate limiting per authenticated user.
// Each call builds its own limiter so route groups can differ.
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	config = config.orDefault()
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextTokenTime, fullResetTime := limiter.Allow(userID)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextTokenTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, syncx.CodeRateLimited,
					"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
