// internal/scanner/attempt.go
// Single connect attempt and its retry/backoff state machine

package scanner

import (
	"context"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

// maxBackoffShift caps exponential growth at base*64
const maxBackoffShift = 6

// AttemptState is the position of one port's probe sequence
type AttemptState int

const (
	StatePending AttemptState = iota
	StateConnecting
	StateOpen
	StateFailed
	StateBackoff
	StateClosedOrFiltered
)

func (s AttemptState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateBackoff:
		return "backoff"
	case StateClosedOrFiltered:
		return "closed_or_filtered"
	}
	return "unknown"
}

// Terminal reports whether no further attempt will be made
func (s AttemptState) Terminal() bool {
	return s == StateOpen || s == StateClosedOrFiltered
}

// RetryState tracks one port's attempts. Attempt counts failed connects so
// far and never exceeds Retries+1.
type RetryState struct {
	State     AttemptState
	Attempt   int
	Retries   int
	Base      time.Duration
	NextDelay time.Duration
}

// NewRetryState starts a sequence allowing retries extra attempts
func NewRetryState(retries int, base time.Duration) *RetryState {
	return &RetryState{
		State:   StatePending,
		Retries: max(retries, 0),
		Base:    base,
	}
}

// Connecting marks an attempt as started
func (r *RetryState) Connecting() {
	r.State = StateConnecting
}

// Succeed short-circuits the remaining retries
func (r *RetryState) Succeed() {
	r.State = StateOpen
	r.NextDelay = 0
}

// Fail records a failed connect. It returns true when another attempt is due,
// in which case NextDelay holds the backoff to sleep first.
func (r *RetryState) Fail() bool {
	r.State = StateFailed
	if r.Attempt >= r.Retries {
		r.Attempt = r.Retries + 1
		r.State = StateClosedOrFiltered
		r.NextDelay = 0
		return false
	}
	r.Attempt++
	r.State = StateBackoff
	r.NextDelay = Backoff(r.Attempt, r.Base)
	return true
}

// Backoff returns the sleep before retry k (1-indexed):
// base*2^min(k,6) plus uniform jitter in [0, that/4).
func Backoff(k int, base time.Duration) time.Duration {
	exp := backoffBase(k, base)
	if quarter := int64(exp / 4); quarter > 0 {
		return exp + time.Duration(rand.Int64N(quarter)) //nolint:gosec // G404: jitter needs no crypto
	}
	return exp
}

// BackoffBounds returns the inclusive lower and exclusive upper bound of Backoff(k, base).
// For sub-4ns delays the upper bound equals the lower one.
func BackoffBounds(k int, base time.Duration) (lo, hi time.Duration) {
	exp := backoffBase(k, base)
	quarter := exp / 4
	if quarter == 0 {
		return exp, exp
	}
	return exp, exp + quarter
}

func backoffBase(k int, base time.Duration) time.Duration {
	if base <= 0 || k <= 0 {
		return 0
	}
	return base << uint(min(k, maxBackoffShift)) //nolint:gosec // G115: shift is 1-6
}

// sleepCtx sleeps for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// prober runs retry sequences for single ports under shared limits
type prober struct {
	dialer     Dialer
	limiter    *ratelimit.Limiter
	global     *Budget
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	observer   Observer
	log        *zap.Logger
}

// probe runs the whole retry sequence for one port. It returns whether the
// port accepted a connection and how many connects were made.
func (p *prober) probe(ctx context.Context, host *Budget, address string, port uint16) (bool, int) {
	target := net.JoinHostPort(address, strconv.Itoa(int(port)))
	state := NewRetryState(p.retries, p.retryDelay)
	attempts := 0

	for {
		state.Connecting()
		ok, dialed := p.connectOnce(ctx, host, target)
		if dialed {
			attempts++
		}
		if ok {
			state.Succeed()
			return true, attempts
		}
		if ctx.Err() != nil || !state.Fail() {
			return false, attempts
		}
		// no permits are held while backing off
		if sleepCtx(ctx, state.NextDelay) != nil {
			return false, attempts
		}
	}
}

// connectOnce takes the per-host permit, then the global permit, then a rate
// token, and dials. dialed is false when ctx ended before the dial started.
func (p *prober) connectOnce(ctx context.Context, host *Budget, target string) (ok, dialed bool) {
	if err := host.Acquire(ctx); err != nil {
		return false, false
	}
	defer host.Release()

	if err := p.global.Acquire(ctx); err != nil {
		return false, false
	}
	defer p.global.Release()

	if err := p.limiter.Wait(ctx); err != nil {
		return false, false
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", target)
	elapsed := time.Since(start)
	if err != nil {
		p.log.Debug("connect failed", zap.String("target", target), zap.Duration("elapsed", elapsed), zap.Error(err))
		p.observer.AttemptFinished(false, elapsed)
		return false, true
	}
	_ = conn.Close()
	p.observer.AttemptFinished(true, elapsed)
	return true, true
}
