package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimited emits at most one warning per interval and counts what it
// swallowed in between.
type RateLimited struct {
	logger   zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewRateLimited(logger zerolog.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{logger: logger, interval: interval}
}

// Warn logs err with msg unless another warning was logged within interval.
// It reports whether the line was written.
func (l *RateLimited) Warn(err error, msg string) bool {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	suppressed := l.suppressed
	l.suppressed = 0
	l.lastAt = now
	l.mu.Unlock()

	l.logger.Warn().Err(err).Int("suppressed", suppressed).Msg(msg)
	return true
}
