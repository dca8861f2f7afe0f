// pkg/ratelimit/limiter.go
// Token bucket rate limiter shared by every connection attempt of a run.

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate with a burst of one token, so that over any
// window of T seconds at most Rate*T+1 permits are handed out. A nil *Limiter is
// unlimited.
type Limiter struct {
	limiter *rate.Limiter

	stats   Stats
	statsMu sync.Mutex
}

// Stats contains rate limiter statistics
type Stats struct {
	TotalRequests   int64
	DelayedRequests int64
	TotalWait       time.Duration
	Rate            float64
}

// Config holds rate limiter configuration
type Config struct {
	Rate int // permits per second, <= 0 = unlimited
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		r = rate.Inf
	}

	return &Limiter{
		limiter: rate.NewLimiter(r, 1),
		stats:   Stats{Rate: perSecond(r)},
	}
}

// NewOptional returns nil (unlimited) when tokensPerSec is zero or negative.
func NewOptional(tokensPerSec int) *Limiter {
	if tokensPerSec <= 0 {
		return nil
	}
	return New(Config{Rate: tokensPerSec})
}

// Wait blocks the calling goroutine until a permit is available and consumes it.
// It only fails when ctx is done before the permit arrives.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	start := time.Now()
	err := l.limiter.Wait(ctx)
	waited := time.Since(start)

	l.statsMu.Lock()
	l.stats.TotalRequests++
	l.stats.TotalWait += waited
	if waited > time.Millisecond {
		l.stats.DelayedRequests++
	}
	l.statsMu.Unlock()

	return err
}

// Unlimited reports whether Wait never blocks.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.limiter.Limit() == rate.Inf
}

// GetRate returns the configured permits per second (+Inf when unlimited)
func (l *Limiter) GetRate() float64 {
	if l == nil {
		return math.Inf(1)
	}
	return perSecond(l.limiter.Limit())
}

// rate.Inf is math.MaxFloat64, not a true infinity.
func perSecond(r rate.Limit) float64 {
	if r == rate.Inf {
		return math.Inf(1)
	}
	return float64(r)
}

// GetStats returns current statistics
func (l *Limiter) GetStats() Stats {
	if l == nil {
		return Stats{Rate: math.Inf(1)}
	}
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}
