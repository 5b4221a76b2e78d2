package server

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client throttling. Zero limits are disabled.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
	MaxRequestsPerDay int
	MaxDataPerDay     int64 // in bytes
}

// RateLimiter manages request rate limiting and quotas.
type RateLimiter struct {
	mu sync.Mutex

	// Token bucket refilled at requestsPerMinute/60 per second
	requestsPerMinute int
	burst             int

	// User quotas
	maxRequestsPerDay int
	maxDataPerDay     int64

	now     func() time.Time
	clients map[string]*clientState
}

// clientState tracks usage for a specific client IP.
type clientState struct {
	limiter *rate.Limiter

	requestsToday int
	dataToday     int64
	day           time.Time
	lastSeen      time.Time
}

// Usage is a snapshot of one client's daily counters.
type Usage struct {
	RequestsToday int
	DataToday     int64
	LastSeen      time.Time
}

// NewRateLimiter creates a limiter. A burst below one defaults to the
// per-minute limit.
func NewRateLimiter(requestsPerMinute, burst, maxRequestsPerDay int, maxDataPerDay int64) *RateLimiter {
	if burst < 1 {
		burst = max(requestsPerMinute, 1)
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		maxRequestsPerDay: maxRequestsPerDay,
		maxDataPerDay:     maxDataPerDay,
		now:               time.Now,
		clients:           make(map[string]*clientState),
	}
}

// NewRateLimiterFromConfig returns nil when rate limiting is disabled.
func NewRateLimiterFromConfig(cfg RateLimitConfig) *RateLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst, cfg.MaxRequestsPerDay, cfg.MaxDataPerDay)
}

// CheckRateLimit checks whether a request from clientID carrying dataSize
// bytes is allowed and records it when it is.
func (rl *RateLimiter) CheckRateLimit(clientID string, dataSize int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st := rl.client(clientID, now)

	if d := startOfDay(now); !d.Equal(st.day) {
		st.requestsToday = 0
		st.dataToday = 0
		st.day = d
	}
	st.lastSeen = now

	if err := rl.checkDailyQuotas(st, dataSize, now); err != nil {
		return err
	}

	if st.limiter != nil {
		res := st.limiter.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return &RateLimitError{
				Type:       "minute",
				Limit:      rl.requestsPerMinute,
				RetryAfter: delay,
			}
		}
	}

	st.requestsToday++
	st.dataToday += dataSize
	return nil
}

func (rl *RateLimiter) checkDailyQuotas(st *clientState, dataSize int64, now time.Time) error {
	resets := st.day.AddDate(0, 0, 1)
	if rl.maxRequestsPerDay > 0 && st.requestsToday >= rl.maxRequestsPerDay {
		return &QuotaExceededError{
			Type:   "requests",
			Limit:  int64(rl.maxRequestsPerDay),
			Used:   int64(st.requestsToday),
			Resets: resets,
		}
	}
	if rl.maxDataPerDay > 0 && st.dataToday+dataSize > rl.maxDataPerDay {
		return &QuotaExceededError{
			Type:   "data",
			Limit:  rl.maxDataPerDay,
			Used:   st.dataToday,
			Resets: resets,
		}
	}
	return nil
}

func (rl *RateLimiter) client(clientID string, now time.Time) *clientState {
	st, ok := rl.clients[clientID]
	if !ok {
		st = &clientState{day: startOfDay(now), lastSeen: now}
		if rl.requestsPerMinute > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(float64(rl.requestsPerMinute)/60.0), rl.burst)
		}
		rl.clients[clientID] = st
	}
	return st
}

// GetUsage returns current usage statistics for a client.
func (rl *RateLimiter) GetUsage(clientID string) Usage {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if st, ok := rl.clients[clientID]; ok {
		return Usage{RequestsToday: st.requestsToday, DataToday: st.dataToday, LastSeen: st.lastSeen}
	}
	return Usage{}
}

// Prune forgets clients idle for longer than idle and returns how many were
// removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for id, st := range rl.clients {
		if st.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// RateLimitError represents a rate limit violation.
type RateLimitError struct {
	Type       string        // "minute"
	Limit      int           // the limit that was exceeded
	RetryAfter time.Duration // how long to wait before retrying
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Type, e.Limit, e.RetryAfter)
}

// QuotaExceededError represents a quota violation.
type QuotaExceededError struct {
	Type   string    // "requests" or "data"
	Limit  int64     // the limit that was exceeded
	Used   int64     // current usage
	Resets time.Time // when the quota resets
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (used: %d, limit: %d, resets: %s)",
		e.Type, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}
