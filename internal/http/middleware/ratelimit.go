// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a fixed-window rate limiter with per-actor buckets
// and independent ceilings for mutating and non-mutating requests. It is
// designed for simplicity, low overhead, and predictable behavior in a
// single-process deployment.
//
// Features:
//   - Fixed (non-sliding) windows: every request inside one window shares a
//     counter; the counter resets when the window ends.
//   - Pluggable identity function (user ID or client IP) and pluggable
//     bucket storage via the BucketStore interface.
//   - Limit/remaining/reset exposed as response headers on every decision so
//     clients can self-throttle.
//   - A configurable exempt path set for long-lived streaming endpoints,
//     which hold one connection open rather than issuing bursts of requests.
//
// Notes:
//   - This limiter is process-local. For horizontally scaled deployments,
//     swap the BucketStore for a shared implementation (e.g., Redis-backed)
//     to enforce global limits; the call sites do not change.
//   - The limiter is a soft throttle for abuse control, not a security
//     boundary: buckets live in memory and are lost on restart.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// keyFunc selects the identity used to key a rate-limit bucket.
//
// Implementations should return a stable string for the duration of a
// request (e.g., "user:<id>" or "ip:<addr>").
type keyFunc func(*gin.Context) string

// KeyByUserOrIP returns a keyFunc that prefers the authenticated user
// identity and falls back to the client IP address, then to "anon".
//
// The resulting keys are prefixed to avoid collisions between user and IP
// namespaces (e.g., "user:abc123" vs "ip:203.0.113.7").
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid, ok := UserID(c); ok {
			return "user:" + uid
		}
		if ip := c.ClientIP(); ip != "" {
			return "ip:" + ip
		}
		return "anon"
	}
}

// Bucket is one fixed-window counter. Count covers the window ending at
// ResetAt; a bucket whose ResetAt has passed is replaced, never resumed.
type Bucket struct {
	Count   int
	ResetAt time.Time
}

// BucketStore abstracts bucket storage so a future multi-instance deployment
// can swap in a shared backend without changing the limiter. Implementations
// do not need their own locking; the limiter serializes access.
type BucketStore interface {
	Get(key string) (Bucket, bool)
	Set(key string, b Bucket)
	Delete(key string)
}

// memoryBucketStore is the default in-process store: a plain map.
type memoryBucketStore struct {
	m map[string]Bucket
}

// NewMemoryBucketStore returns an empty in-process bucket store.
func NewMemoryBucketStore() BucketStore {
	return &memoryBucketStore{m: make(map[string]Bucket)}
}

func (s *memoryBucketStore) Get(key string) (Bucket, bool) { b, ok := s.m[key]; return b, ok }
func (s *memoryBucketStore) Set(key string, b Bucket)      { s.m[key] = b }
func (s *memoryBucketStore) Delete(key string)             { delete(s.m, key) }

// RateLimitOptions configures the limiter thresholds.
type RateLimitOptions struct {
	// Window is the fixed window length. Values <= 0 default to 60s.
	Window time.Duration
	// ReadLimit caps non-mutating requests per window. <= 0 defaults to 120.
	ReadLimit int
	// WriteLimit caps mutating requests per window. <= 0 defaults to 30.
	WriteLimit int
	// ExemptPaths lists route paths that are never counted nor throttled
	// (e.g., the notification stream).
	ExemptPaths []string
}

// RateLimiter enforces per-actor fixed-window limits.
//
// The mutex guards the whole read-modify-write of a bucket so interleaved
// requests cannot lose updates. This type is safe for concurrent use.
type RateLimiter struct {
	window     time.Duration
	readLimit  int
	writeLimit int
	keyFn      keyFunc

	mu    sync.Mutex
	store BucketStore

	exempt map[string]struct{}
}

// NewRateLimiter constructs a RateLimiter keyed by keyFn over the given
// store. A nil store gets the in-memory default.
func NewRateLimiter(opts RateLimitOptions, keyFn keyFunc, store BucketStore) *RateLimiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 120
	}
	if opts.WriteLimit <= 0 {
		opts.WriteLimit = 30
	}
	if store == nil {
		store = NewMemoryBucketStore()
	}
	exempt := make(map[string]struct{}, len(opts.ExemptPaths))
	for _, p := range opts.ExemptPaths {
		exempt[p] = struct{}{}
	}
	return &RateLimiter{
		window:     opts.Window,
		readLimit:  opts.ReadLimit,
		writeLimit: opts.WriteLimit,
		keyFn:      keyFn,
		store:      store,
		exempt:     exempt,
	}
}

// isMutating classifies a request by verb alone, mirroring the idempotency
// coordinator's view of what mutates state.
func isMutating(method string) bool {
	_, ok := mutatingMethods[method]
	return ok
}

// take runs one fixed-window decision for key: reset the bucket if its
// window has ended, increment, and compare against the class limit.
// Everything happens under the mutex — no I/O between read and write.
func (rl *RateLimiter) take(key string, limit int, now time.Time) (count int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.store.Get(key)
	if !ok || !now.Before(b.ResetAt) {
		b = Bucket{Count: 0, ResetAt: now.Add(rl.window)}
	}
	b.Count++
	rl.store.Set(key, b)
	return b.Count, b.ResetAt
}

// Handler returns a Gin middleware enforcing the limits.
//
// Behavior:
//   - Exempt paths pass through untouched (no counting, no headers).
//   - Every other request gets X-RateLimit-Limit, X-RateLimit-Remaining and
//     X-RateLimit-Reset (epoch seconds) headers, allow or reject.
//   - A request whose increment pushes the counter strictly past the class
//     limit receives 429 with a compact JSON body and a Retry-After header.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if _, skip := rl.exempt[path]; skip {
			c.Next()
			return
		}

		limit := rl.readLimit
		class := "read"
		if isMutating(c.Request.Method) {
			limit = rl.writeLimit
			class = "write"
		}

		now := time.Now()
		key := rl.keyFn(c) + "|" + class
		count, resetAt := rl.take(key, limit, now)

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > limit {
			rateLimited.Inc()
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "rate_limited",
				"message":    "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
