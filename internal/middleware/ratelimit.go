package middleware

import (
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of IPs held in memory.
	DefaultMaxTrackedIPs = 10000

	staleThreshold = 5 * time.Minute
)

// RateLimiter tracks per-IP failed authentication attempts. An IP that has
// not failed for staleThreshold is forgotten; when more than the tracked-IP
// capacity fail at once, the least recently seen IPs are dropped first.
type RateLimiter struct {
	limiters     *ttlcache.Cache[string, *rate.Limiter]
	maxPerMinute int
}

// NewRateLimiter creates a per-IP rate limiter allowing maxPerMinute failed
// attempts per minute. Pass 0 to use DefaultMaxAttemptsPerMinute. Call Stop to
// release the expiry goroutine.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	return newRateLimiter(maxPerMinute, DefaultMaxTrackedIPs, staleThreshold)
}

func newRateLimiter(maxPerMinute int, maxTrackedIPs uint64, ttl time.Duration) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	limiters := ttlcache.New(
		ttlcache.WithTTL[string, *rate.Limiter](ttl),
		ttlcache.WithCapacity[string, *rate.Limiter](maxTrackedIPs),
	)
	go limiters.Start()

	return &RateLimiter{limiters: limiters, maxPerMinute: maxPerMinute}
}

// Allow reports whether the given IP is allowed to make another auth attempt.
// Returns false if the rate limit has been exceeded.
func (rl *RateLimiter) Allow(ip string) bool {
	item := rl.limiters.Get(ip)
	if item == nil {
		return true
	}
	return item.Value().Allow()
}

// RecordFailure records a failed auth attempt for the given IP.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.limiterFor(ip).Allow()
}

// RecordFailureAndAllow records a failed attempt for ip and returns whether the
// attempt is still within the configured rate limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	return rl.limiterFor(ip).Allow()
}

// Tracked returns how many IPs currently have recorded failures.
func (rl *RateLimiter) Tracked() int {
	return rl.limiters.Len()
}

// Stop halts the background expiry goroutine.
func (rl *RateLimiter) Stop() {
	rl.limiters.Stop()
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	limit := rate.Limit(float64(rl.maxPerMinute) / 60.0)
	item, _ := rl.limiters.GetOrSet(ip, rate.NewLimiter(limit, rl.maxPerMinute))
	return item.Value()
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
