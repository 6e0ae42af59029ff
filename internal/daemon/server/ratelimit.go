package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grovetools/brain/errors"
)

// Per-IP token buckets. Loopback gets a far larger budget since the daemon
// primarily serves local tooling; the tighter bucket protects against
// anything else that can reach the port.
const (
	remoteRatePerMinute   = 60
	loopbackRatePerMinute = 600
	limiterIdleEviction   = 10 * time.Minute
)

type bucket struct {
	tokens   float64
	lastFill time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// allow takes one token for ip, reporting the wait until the next token
// when the bucket is empty.
func (rl *rateLimiter) allow(ip string, loopback bool) (bool, time.Duration) {
	limit := float64(remoteRatePerMinute)
	if loopback {
		limit = loopbackRatePerMinute
	}
	refillPerSec := limit / 60

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: limit, lastFill: now}
		rl.buckets[ip] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * refillPerSec
	if b.tokens > limit {
		b.tokens = limit
	}
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / refillPerSec * float64(time.Second))
	return false, wait
}

// evictIdle drops buckets that refilled completely and went unused.
func (rl *rateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-limiterIdleEviction)
	for ip, b := range rl.buckets {
		if b.lastFill.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// middleware enforces the per-IP limit and emits the standard envelope
// with a retryAfter detail when throttled.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, wait := rl.allow(ip, isLoopback(ip))
		if !ok {
			seconds := int(wait.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			respondError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimited,
				"rate limit exceeded", map[string]interface{}{"retryAfter": seconds})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
