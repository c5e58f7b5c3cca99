// Package ratelimit throttles write traffic per client IP with a fixed
// one-minute window. GET requests are never counted; the HTTP layer only
// consults the limiter for mutations.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds limiter tuning knobs.
type Config struct {
	// RequestsPerMinute is the write budget per client IP.
	RequestsPerMinute int
	// SweepInterval controls how often idle clients are forgotten.
	SweepInterval time.Duration
}

// DefaultConfig allows 60 writes a minute per IP, which is far above what
// a billing client produces but low enough to absorb a runaway loop.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		SweepInterval:     5 * time.Minute,
	}
}

// Limiter counts requests per client IP within a rolling one-minute window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	limit         int
	sweepInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type window struct {
	openedAt time.Time
	count    int
}

// NewLimiter starts a limiter and its background sweep goroutine. Call Stop
// when the server shuts down.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	l := &Limiter{
		windows:       make(map[string]*window),
		limit:         cfg.RequestsPerMinute,
		sweepInterval: cfg.SweepInterval,
		stop:          make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether one more request from clientIP fits in the current
// window, counting it if so.
func (l *Limiter) Allow(clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[clientIP]
	if !ok || now.Sub(w.openedAt) > time.Minute {
		l.windows[clientIP] = &window{openedAt: now, count: 1}
		return true
	}

	w.count++
	return w.count <= l.limit
}

// ActiveClients returns how many IPs currently have an open window.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep forgets clients whose window closed long ago so the map does not
// grow with every IP ever seen.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, w := range l.windows {
		if w.openedAt.Before(cutoff) {
			delete(l.windows, ip)
		}
	}
}
