// Package epclog provides the rate-limited structured logging used to
// report Inconsistent hardware conditions without flooding the log.
package epclog

import (
	"log/slog"
	"sync"
	"time"
)

// Limiter rate-limits a logger to at most n events per window, dropping
// (and counting) the rest. Zero value is not usable; use NewLimiter.
type Limiter struct {
	mu       sync.Mutex
	logger   *slog.Logger
	window   time.Duration
	max      int
	winStart time.Time
	count    int
	dropped  int64
}

// NewLimiter returns a Limiter that allows at most max log calls per
// window, using logger as the underlying sink.
func NewLimiter(logger *slog.Logger, max int, window time.Duration) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{logger: logger, window: window, max: max}
}

// Warn logs a warning-level Inconsistent condition, subject to rate
// limiting. Returns true if the message was actually emitted.
func (l *Limiter) Warn(msg string, args ...any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.winStart) > l.window {
		l.winStart = now
		l.count = 0
	}

	if l.count >= l.max {
		l.dropped++
		return false
	}
	l.count++
	l.logger.Warn(msg, args...)
	return true
}

// Dropped returns the number of messages suppressed by rate limiting
// since creation.
func (l *Limiter) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
