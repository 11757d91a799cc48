package governance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/polis-apikit/pkg/domain"
)

// DefaultRoute configures the limit applied to routes without their own entry.
const DefaultRoute = "*"

// RateLimiterConfig defines per-route rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int `yaml:"burst_size" json:"burst_size"`
}

// RateLimiter implements token bucket rate limiting per route and client IP.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  map[string]RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  make(map[string]RateLimiterConfig),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-route limits. Existing buckets keep their
// tokens but pick up the new rate and capacity.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = make(map[string]RateLimiterConfig, len(config))
	for route, cfg := range config {
		rl.config[route] = cfg
	}

	for key, bucket := range rl.buckets {
		cfg, ok := rl.config[bucket.route]
		if !ok {
			cfg, ok = rl.config[DefaultRoute]
		}
		if !ok {
			delete(rl.buckets, key)
			continue
		}
		bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
	}
}

// Allow checks if a request from client on route should be allowed.
// Returns true if allowed, false if rate limit exceeded.
func (rl *RateLimiter) Allow(route, client string) bool {
	allowed, _ := rl.take(route, client)
	return allowed
}

// take consumes a token for route and client. The returned status is nil
// when the route has no configured limit.
func (rl *RateLimiter) take(route, client string) (bool, *bucketStatus) {
	key := route + "|" + client

	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		bucket, exists = rl.buckets[key]
		if !exists {
			cfg, ok := rl.config[route]
			if !ok {
				cfg, ok = rl.config[DefaultRoute]
			}
			if !ok {
				rl.mu.Unlock()
				// No rate limit configured for this route - allow
				return true, nil
			}
			bucket = newTokenBucket(route, cfg.RequestsPerSecond, cfg.BurstSize, rl.now)
			rl.buckets[key] = bucket
		}
		rl.mu.Unlock()
	}

	allowed, status := bucket.take()
	return allowed, &status
}

// CheckRequest implements the controller's request policy. A rejection is a
// *RateLimitError.
func (rl *RateLimiter) CheckRequest(ctx context.Context, rc *domain.RequestContext) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	allowed, status := rl.take(rc.Route, rc.IP)
	if allowed {
		return nil
	}
	return &RateLimitError{
		Route:     rc.Route,
		Client:    rc.IP,
		Limit:     status.limit,
		Remaining: status.remaining,
		Reset:     status.reset,
	}
}

// RateLimitError reports a request rejected by the rate limiter. It matches
// domain.ErrTooManyRequests.
type RateLimitError struct {
	Route     string
	Client    string
	Limit     int
	Remaining int
	Reset     time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: route %s client %s", domain.ErrTooManyRequests, e.Route, e.Client)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrTooManyRequests
}

// ResponseHeaders adds the X-RateLimit-* headers describing the bucket.
func (e *RateLimitError) ResponseHeaders(h http.Header) {
	WriteRateLimitHeaders(h, e.Limit, e.Remaining, e.Reset)
}

// Prune drops buckets that have not been used for idle.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastUsed().Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Stats returns current rate limit statistics for all buckets.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats()
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          int     `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	route      string
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
	now        func() time.Time
}

// newTokenBucket creates a token bucket with the specified rate and capacity.
func newTokenBucket(route string, rps, burstSize int, now func() time.Time) *tokenBucket {
	if rps <= 0 {
		rps = 100 // Default rate
	}
	if burstSize <= 0 {
		burstSize = rps // Default burst = rate
	}

	return &tokenBucket{
		route:      route,
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize), // Start with full bucket
		lastRefill: now(),
		now:        now,
	}
}

// configure updates the bucket's rate and capacity.
func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	// If new capacity is higher, grant more tokens proportionally
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// bucketStatus is a bucket's state right after a take.
type bucketStatus struct {
	limit     int
	remaining int
	reset     time.Time
}

// take attempts to consume one token from the bucket.
func (tb *tokenBucket) take() (bool, bucketStatus) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	allowed := tb.tokens >= 1.0
	if allowed {
		tb.tokens -= 1.0
	}

	status := bucketStatus{
		limit:     int(tb.capacity),
		remaining: int(tb.tokens),
		reset:     tb.lastRefill,
	}
	if tb.tokens < 1.0 {
		wait := time.Duration((1.0 - tb.tokens) / tb.rate * float64(time.Second))
		status.reset = tb.lastRefill.Add(wait)
	}
	return allowed, status
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

func (tb *tokenBucket) lastUsed() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// stats returns current statistics for this bucket.
func (tb *tokenBucket) stats() RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return RateLimitStats{
		Limit:          int(tb.rate),
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}

// WriteRateLimitHeaders sets the limit, the tokens left and the unix time
// the next token becomes available.
func WriteRateLimitHeaders(h http.Header, limit, remaining int, reset time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}
