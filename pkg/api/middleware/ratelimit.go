package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures rate limiting
type RateLimitConfig struct {
	RequestsPerSecond float64       // Rate of token replenishment
	BurstSize         int           // Maximum burst size (bucket capacity)
	CleanupInterval   time.Duration // How often to clean up expired limiters
	ClientExpiration  time.Duration // How long to keep inactive client limiters
	MaxClients        int           // Maximum number of tracked clients
}

// DefaultRateLimitConfig returns defaults for rate limiting
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		CleanupInterval:   5 * time.Minute,
		ClientExpiration:  10 * time.Minute,
		MaxClients:        100000,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	config   *RateLimitConfig
	clients  map[string]*clientLimiter
	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	defaults := DefaultRateLimitConfig()
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.ClientExpiration <= 0 {
		config.ClientExpiration = defaults.ClientExpiration
	}

	rl := &RateLimiter{
		config:   config,
		clients:  make(map[string]*clientLimiter),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from clientID may proceed. New clients are
// denied once MaxClients are tracked.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	now := rl.now()
	cl, exists := rl.clients[clientID]
	if !exists {
		if rl.config.MaxClients > 0 && len(rl.clients) >= rl.config.MaxClients {
			rl.mu.Unlock()
			return false
		}
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.clients[clientID] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopChan:
			return
		}
	}
}

// cleanup removes limiters of clients not seen within ClientExpiration.
func (rl *RateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.config.ClientExpiration {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

// ActiveClients returns the number of tracked clients.
func (rl *RateLimiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// ClientIDFunc is a function that extracts a client identifier from a request
type ClientIDFunc func(*http.Request) string

// RateLimit creates middleware that applies rate limiting per client.
// onLimited is called for every rejected request when non-nil.
func RateLimit(limiter *RateLimiter, getClientID ClientIDFunc, onLimited func(r *http.Request, clientID string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientID := getClientID(r)
			if !limiter.Allow(clientID) {
				if onLimited != nil {
					onLimited(r, clientID)
				}
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limiter.config.RequestsPerSecond, 'f', -1, 64))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry after 1 second")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
