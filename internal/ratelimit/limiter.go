// Package ratelimit implements per-identifier sliding-window admission
// control for bursty inbound channels. State is in-memory only and
// resets on restart.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config sizes one limiter.
type Config struct {
	MaxRequests     int
	WindowSeconds   int
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock limiter sizing.
func DefaultConfig() Config {
	return Config{
		MaxRequests:     30,
		WindowSeconds:   60,
		CleanupInterval: 5 * time.Minute,
	}
}

type window struct {
	// timestamps is ordered oldest-first; eviction pops from the head.
	timestamps []time.Time
	lastSeen   time.Time
}

// Limiter is a sliding-window counter keyed by arbitrary string
// identifier (typically "channel:sender_id"). Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

// New creates a limiter. Call StartSweeper to bound memory over time.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultConfig().WindowSeconds
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allowed admits the request when fewer than MaxRequests timestamps
// fall within the window. When rejected, retryAfter reports how long
// until the oldest recorded request expires.
func (l *Limiter) Allowed(identifier string) (allowed bool, retryAfter time.Duration) {
	now := l.now()
	cutoff := now.Add(-time.Duration(l.cfg.WindowSeconds) * time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identifier]
	if !ok {
		w = &window{}
		l.windows[identifier] = w
	}
	w.lastSeen = now

	// Evict expired entries from the head.
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}

	if len(w.timestamps) >= l.cfg.MaxRequests {
		oldest := w.timestamps[0]
		return false, oldest.Sub(cutoff)
	}

	w.timestamps = append(w.timestamps, now)
	return true, 0
}

// Reset clears all recorded requests for identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identifier)
}

// Stats reports the number of tracked windows and the total recorded
// timestamps across them.
func (l *Limiter) Stats() (windows int, totalRecorded int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		totalRecorded += len(w.timestamps)
	}
	return len(l.windows), totalRecorded
}

// StartSweeper periodically drops windows untouched for twice the
// cleanup interval. It blocks until ctx is cancelled; run it on its
// own goroutine.
func (l *Limiter) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	stale := l.now().Add(-2 * l.cfg.CleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.windows {
		if w.lastSeen.Before(stale) {
			delete(l.windows, id)
		}
	}
}
