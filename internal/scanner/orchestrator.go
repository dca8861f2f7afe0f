// internal/scanner/orchestrator.go
// Fans host scans out under global limits and fans results back in through one writer

package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/pkg/logger"
	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

// RunStats summarises one Orchestrator.Run
type RunStats struct {
	Hosts       int64
	Skipped     int64
	OpenHosts   int64
	Attempts    int64
	WriteErrors int64
	PeakGlobal  int64
	Duration    time.Duration
}

// Orchestrator scans many targets with one shared limiter and one global budget
type Orchestrator struct {
	policy  models.ScanPolicy
	scanner *HostScanner
	global  *Budget
	limiter *ratelimit.Limiter
	skip    map[string]struct{}
	log     *zap.Logger

	hosts       atomic.Int64
	skipped     atomic.Int64
	openHosts   atomic.Int64
	attempts    atomic.Int64
	writeErrors atomic.Int64
}

// NewOrchestrator builds the shared limiter and global budget from opts.Policy
// unless opts already carries them.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logger.Named("scanner")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewOptional(opts.Policy.Rate)
	}
	if opts.Global == nil {
		opts.Global = NewBudget(opts.Policy.GlobalConnections())
	}

	return &Orchestrator{
		policy:  opts.Policy,
		scanner: NewHostScanner(opts),
		global:  opts.Global,
		limiter: opts.Limiter,
		skip:    make(map[string]struct{}),
		log:     opts.Logger.Named("orchestrator"),
	}
}

// Skip marks targets that must not be scanned, e.g. hosts finished by an
// interrupted run being resumed.
func (o *Orchestrator) Skip(targets ...string) {
	for _, t := range targets {
		o.skip[t] = struct{}{}
	}
}

// Global exposes the shared connection budget
func (o *Orchestrator) Global() *Budget {
	return o.global
}

// Limiter exposes the shared rate limiter (nil when unlimited)
func (o *Orchestrator) Limiter() *ratelimit.Limiter {
	return o.limiter
}

// Stats returns counters for the runs so far
func (o *Orchestrator) Stats() RunStats {
	return RunStats{
		Hosts:       o.hosts.Load(),
		Skipped:     o.skipped.Load(),
		OpenHosts:   o.openHosts.Load(),
		Attempts:    o.attempts.Load(),
		WriteErrors: o.writeErrors.Load(),
		PeakGlobal:  o.global.Peak(),
	}
}

// done carries a finished host to the writer; result is nil for skipped targets
type done struct {
	index  int
	result *models.ScanResult
}

// Run scans every target's ports. At most HostConcurrency hosts are in flight
// and at most GlobalConnections attempts across them. Records reach w from a
// single goroutine, in completion order or, with OrderInput, in input order.
// Write failures are logged and counted, not returned. Run returns ctx's error
// if it was cancelled before all targets were admitted.
func (o *Orchestrator) Run(ctx context.Context, targets []string, ports []uint16, w ResultWriter) (RunStats, error) {
	start := time.Now()
	hostsInFlight := o.policy.HostsInFlight()
	admission := semaphore.NewWeighted(int64(hostsInFlight))

	// Input ordering holds finished hosts until their predecessors are written.
	// The window semaphore caps how many can wait.
	var window *semaphore.Weighted
	if o.policy.Ordering == models.OrderInput {
		window = semaphore.NewWeighted(int64(reorderWindow(hostsInFlight)))
	}

	results := make(chan done, hostsInFlight)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		o.consume(results, w, window)
	}()

	o.log.Info("scan started",
		zap.Int("targets", len(targets)),
		zap.Int("ports", len(ports)),
		zap.Int("host_concurrency", hostsInFlight),
		zap.Int("max_connections", o.global.Size()),
		zap.Int("concurrency", o.policy.Concurrency),
		zap.Int("qps", o.policy.Rate),
	)

	var (
		wg     sync.WaitGroup
		runErr error
	)
admit:
	for i, target := range targets {
		if window != nil {
			if err := window.Acquire(ctx, 1); err != nil {
				runErr = err
				break admit
			}
		}

		if _, ok := o.skip[target]; ok {
			o.skipped.Add(1)
			results <- done{index: i}
			continue
		}

		if err := admission.Acquire(ctx, 1); err != nil {
			if window != nil {
				window.Release(1)
			}
			runErr = err
			break admit
		}

		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			defer admission.Release(1)
			results <- done{index: i, result: o.scanHostSafe(ctx, target, ports)}
		}(i, target)
	}

	wg.Wait()
	close(results)
	<-writerDone

	stats := o.Stats()
	stats.Duration = time.Since(start)
	o.log.Info("scan finished",
		zap.Int64("hosts", stats.Hosts),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("open_hosts", stats.OpenHosts),
		zap.Int64("attempts", stats.Attempts),
		zap.Int64("peak_connections", stats.PeakGlobal),
		zap.Int64("write_errors", stats.WriteErrors),
		zap.Duration("duration", stats.Duration),
	)
	if runErr != nil {
		return stats, fmt.Errorf("scan interrupted: %w", runErr)
	}
	return stats, nil
}

// scanHostSafe turns a panic while scanning a host into an empty result
func (o *Orchestrator) scanHostSafe(ctx context.Context, target string, ports []uint16) (result *models.ScanResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("host scan panicked",
				zap.Error(&ScannerError{Message: "panic", Target: target, Cause: fmt.Errorf("%v", r)}),
			)
			now := time.Now().UTC()
			result = &models.ScanResult{
				Target:      target,
				Address:     target,
				Open:        []uint16{},
				Scanned:     len(ports),
				StartedAt:   now,
				EndedAt:     now,
				TimeoutMS:   o.policy.Timeout.Milliseconds(),
				Concurrency: o.policy.Concurrency,
			}
		}
	}()

	r := o.scanner.ScanHost(ctx, target, ports)
	return &r
}

// consume is the only goroutine that touches w
func (o *Orchestrator) consume(results <-chan done, w ResultWriter, window *semaphore.Weighted) {
	emit := func(d done) {
		if d.result == nil {
			return
		}
		d.result.Index = d.index
		o.hosts.Add(1)
		o.attempts.Add(d.result.Attempts)
		if d.result.HasOpen() {
			o.openHosts.Add(1)
		}
		if err := w.Write(d.result); err != nil {
			o.writeErrors.Add(1)
			o.log.Error("failed to write result", zap.String("target", d.result.Target), zap.Error(err))
		}
	}

	if window == nil {
		for d := range results {
			emit(d)
		}
		return
	}

	pending := make(map[int]done)
	next := 0
	for d := range results {
		pending[d.index] = d
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			emit(ready)
			window.Release(1)
			next++
		}
	}
}

func reorderWindow(hostsInFlight int) int {
	return max(4*hostsInFlight, 64)
}
