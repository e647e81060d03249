package api

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-key request rates with a token bucket per
// key. Keys idle for ten minutes are forgotten.
type RateLimiter struct {
	limiters sync.Map // key → *limiterEntry
	r        rate.Limit
	burst    int
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// key with the given burst (default 5). If rpm <= 0 every request is
// allowed.
func NewRateLimiter(rpm, burst int, logger *slog.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	rl := &RateLimiter{r: r, burst: burst, logger: logger, stop: make(chan struct{})}
	if rl.Enabled() {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}
	entry := rl.getOrCreate(key)
	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()
	if !entry.limiter.Allow() {
		rl.logger.Warn("task submission rate limited", "key", key)
		return false
	}
	return true
}

// Stop ends the idle-key cleanup. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.r > 0
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-10 * time.Minute))
		}
	}
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}
