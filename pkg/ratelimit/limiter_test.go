// pkg/ratelimit/limiter_test.go
// Unit tests for rate limiter

package ratelimit

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	l := New(Config{Rate: 100})
	if l == nil {
		t.Fatal("New() returned nil")
	}

	if l.GetRate() != 100 {
		t.Errorf("GetRate() = %f, want 100", l.GetRate())
	}
	if l.Unlimited() {
		t.Error("Unlimited() = true for rate 100")
	}
}

func TestNew_ZeroIsUnlimited(t *testing.T) {
	l := New(Config{Rate: 0})
	if !l.Unlimited() {
		t.Fatal("rate 0 should be unlimited")
	}
	if !math.IsInf(l.GetRate(), 1) {
		t.Errorf("GetRate() = %f, want +Inf", l.GetRate())
	}
	if !math.IsInf(l.GetStats().Rate, 1) {
		t.Errorf("GetStats().Rate = %f, want +Inf", l.GetStats().Rate)
	}

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10000; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unlimited waits took %v", elapsed)
	}
}

func TestNewOptional(t *testing.T) {
	if NewOptional(0) != nil {
		t.Error("NewOptional(0) should be nil")
	}
	if NewOptional(-5) != nil {
		t.Error("NewOptional(-5) should be nil")
	}
	if NewOptional(10) == nil {
		t.Error("NewOptional(10) should not be nil")
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("nil Wait() error = %v", err)
	}
	if !l.Unlimited() {
		t.Error("nil limiter should be unlimited")
	}
	if got := l.GetStats(); got.TotalRequests != 0 {
		t.Errorf("nil GetStats().TotalRequests = %d", got.TotalRequests)
	}
	if !math.IsInf(l.GetRate(), 1) {
		t.Errorf("nil GetRate() = %f, want +Inf", l.GetRate())
	}
	if !math.IsInf(l.GetStats().Rate, 1) {
		t.Errorf("nil GetStats().Rate = %f, want +Inf", l.GetStats().Rate)
	}
	if NewOptional(0) != nil {
		t.Error("NewOptional(0) should be nil")
	}
}

func TestLimiter_Wait_FirstPermitImmediate(t *testing.T) {
	l := New(Config{Rate: 1})

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first permit took %v, want immediate", elapsed)
	}
}

func TestLimiter_Wait_Cancellation(t *testing.T) {
	l := New(Config{Rate: 1})

	// Use up the single burst token
	l.Wait(context.Background())

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Wait(cancelledCtx); err == nil {
		t.Error("Wait() with cancelled context should return error")
	}
}

func TestLimiter_GetStats(t *testing.T) {
	l := New(Config{Rate: 1000})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Wait(ctx)
	}

	stats := l.GetStats()
	if stats.TotalRequests != 5 {
		t.Errorf("TotalRequests = %d, want 5", stats.TotalRequests)
	}
	if stats.Rate != 1000 {
		t.Errorf("Rate = %f, want 1000", stats.Rate)
	}
}

// TestLimiter_WindowBound checks that for every window [start, start+T) no more
// than rate*T+1 permits are granted while many goroutines compete.
func TestLimiter_WindowBound(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	const (
		perSec     = 40
		runFor     = 1500 * time.Millisecond
		goroutines = 16
	)

	start := time.Now()
	l := New(Config{Rate: perSec})
	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Wait(ctx); err != nil {
					return
				}
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for k, at := range times {
		window := at.Sub(start).Seconds()
		limit := int(math.Floor(perSec*window)) + 1
		if k+1 > limit {
			t.Fatalf("%d permits within %.3fs, limit %d", k+1, window, limit)
		}
	}

	if len(times) < perSec {
		t.Errorf("only %d permits in %v, limiter is starving callers", len(times), runFor)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := New(Config{Rate: 100000})

	ctx := context.Background()
	var wg sync.WaitGroup
	numGoroutines := 10
	requestsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				l.Wait(ctx)
			}
		}()
	}

	wg.Wait()

	stats := l.GetStats()
	expected := int64(numGoroutines * requestsPerGoroutine)

	if stats.TotalRequests != expected {
		t.Errorf("TotalRequests = %d, want %d", stats.TotalRequests, expected)
	}
}
