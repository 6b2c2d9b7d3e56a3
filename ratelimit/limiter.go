// Package ratelimit implements the per-connection outbound message gate:
// a sliding window of at most `limit` sends per trailing `window`, plus a
// minimum delay between consecutive sends. Twitch disconnects clients that
// exceed its message limits, so every PRIVMSG must pass Allow() first.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is safe for concurrent use. A single mutex guards the whole
// check-and-update so two callers can never both observe free capacity.
type Limiter struct {
	limit    int
	window   time.Duration
	minDelay time.Duration

	now func() time.Time

	mu       sync.Mutex
	events   []time.Time
	lastSend time.Time
	started  time.Time

	totalAttempts   uint64
	allowed         uint64
	rateLimited     uint64
	minDelayBlocked uint64
	avgDelay        float64
}

// Metrics is a snapshot of cumulative limiter counters. Field names are part
// of the session metrics file contract.
type Metrics struct {
	TotalAttempts     uint64  `json:"total_attempts"`
	Allowed           uint64  `json:"allowed_messages"`
	RateLimited       uint64  `json:"rate_limited"`
	MinDelayBlocked   uint64  `json:"min_delay_blocked"`
	AvgDelay          float64 `json:"avg_delay"`
	RuntimeSeconds    float64 `json:"runtime_seconds"`
	MessagesPerMinute float64 `json:"messages_per_minute"`
}

// New builds a limiter admitting at most limit sends per trailing window with
// minDelay between consecutive sends.
func New(limit int, window, minDelay time.Duration) *Limiter {
	l := &Limiter{
		limit:    limit,
		window:   window,
		minDelay: minDelay,
		now:      time.Now,
	}
	l.started = l.now()
	return l
}

// NewWithClock is New with an injected clock, for tests.
func NewWithClock(limit int, window, minDelay time.Duration, now func() time.Time) *Limiter {
	l := New(limit, window, minDelay)
	l.now = now
	l.started = now()
	return l
}

// Allow reports whether a send may happen now, recording it if so. A false
// result means the caller must not send and should retry after a short sleep.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalAttempts++
	now := l.now()

	if !l.lastSend.IsZero() && now.Sub(l.lastSend) < l.minDelay {
		l.minDelayBlocked++
		return false
	}

	// Evict entries that fell out of the trailing window.
	cut := 0
	for cut < len(l.events) && now.Sub(l.events[cut]) > l.window {
		cut++
	}
	if cut > 0 {
		l.events = append(l.events[:0], l.events[cut:]...)
	}

	if len(l.events) >= l.limit {
		l.rateLimited++
		return false
	}

	l.events = append(l.events, now)
	l.lastSend = now
	l.allowed++
	if n := len(l.events); n > 1 {
		var sum float64
		for i := 1; i < n; i++ {
			sum += l.events[i].Sub(l.events[i-1]).Seconds()
		}
		l.avgDelay = sum / float64(n-1)
	}
	return true
}

// Metrics returns a snapshot of cumulative counters.
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	runtime := l.now().Sub(l.started).Seconds()
	m := Metrics{
		TotalAttempts:   l.totalAttempts,
		Allowed:         l.allowed,
		RateLimited:     l.rateLimited,
		MinDelayBlocked: l.minDelayBlocked,
		AvgDelay:        l.avgDelay,
		RuntimeSeconds:  runtime,
	}
	if runtime > 0 {
		m.MessagesPerMinute = float64(l.allowed) / runtime * 60
	}
	return m
}
