// internal/scanner/budget.go
// Counting permit pool with in-flight and peak instrumentation

package scanner

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget bounds how many connection attempts may be in flight at once.
// A nil *Budget imposes no bound.
type Budget struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
}

// NewBudget creates a budget of n permits (n < 1 is treated as 1)
func NewBudget(n int) *Budget {
	size := int64(max(n, 1))
	return &Budget{
		sem:  semaphore.NewWeighted(size),
		size: size,
	}
}

// Acquire blocks until a permit is free or ctx is done. Exhaustion is
// backpressure, never an error; the only error is ctx's.
func (b *Budget) Acquire(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.acquired.Add(1)
	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a permit taken by Acquire
func (b *Budget) Release() {
	if b == nil {
		return
	}
	b.inFlight.Add(-1)
	b.sem.Release(1)
}

// Size returns the permit count
func (b *Budget) Size() int {
	if b == nil {
		return 0
	}
	return int(b.size)
}

// InFlight returns permits currently held
func (b *Budget) InFlight() int64 {
	if b == nil {
		return 0
	}
	return b.inFlight.Load()
}

// Peak returns the highest InFlight value observed
func (b *Budget) Peak() int64 {
	if b == nil {
		return 0
	}
	return b.peak.Load()
}

// Acquired returns how many permits were ever handed out
func (b *Budget) Acquired() int64 {
	if b == nil {
		return 0
	}
	return b.acquired.Load()
}
