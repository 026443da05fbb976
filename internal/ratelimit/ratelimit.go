// Package ratelimit provides per-client rate limiting middleware for the
// sybilguard API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/sybilguard/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize is how many requests a client may send at once
	BurstSize int
	// CleanupInterval is how often idle clients are evicted
	CleanupInterval time.Duration
	// IdleTTL is how long an unseen client keeps its bucket
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults. Fingerprint ingestion arrives in
// bursts from the app backend, so the per-minute budget is generous.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
		IdleTTL:           2 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg      Config
	limit    rate.Limit
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its eviction loop. Call Stop when done.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-l.cfg.IdleTTL))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Len reports how many clients currently hold a bucket.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.reserve(key, time.Now())
	return ok
}

// reserve takes a token for key. When none is available it returns how long
// until one would be, without consuming anything.
func (l *Limiter) reserve(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Identify returns a verified identity for the caller, or false when the
// request carries no valid credential.
type Identify func(c *gin.Context) (string, bool)

// Middleware returns a Gin middleware that rate limits verified callers by
// identity and everyone else by client IP. Unverified credentials are
// ignored, so rotating fake keys does not earn fresh buckets.
func (l *Limiter) Middleware(identify Identify) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, scope := "ip:"+c.ClientIP(), "ip"
		if identify != nil {
			if id, ok := identify(c); ok {
				key, scope = "id:"+id, "key"
			}
		}

		ok, wait := l.reserve(key, time.Now())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
