// internal/scanner/native.go
// Native Go TCP connect scanner for one host's port set

package scanner

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/pkg/logger"
	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

// Observer is told about every finished connect and every finished host.
// Implementations must be safe for concurrent use.
type Observer interface {
	AttemptFinished(open bool, elapsed time.Duration)
	HostFinished(result *models.ScanResult)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(bool, time.Duration) {}
func (nopObserver) HostFinished(*models.ScanResult)     {}

// Options holds the collaborators shared by every host of a run. Zero values
// select the defaults: system dialer and resolver, no rate limit, no global
// budget, the global logger.
type Options struct {
	Policy   models.ScanPolicy
	Dialer   Dialer
	Lookup   HostLookup
	Limiter  *ratelimit.Limiter
	Global   *Budget
	Observer Observer
	Logger   *zap.Logger
}

// HostScanner scans every port of one host, bounded by a per-host budget
type HostScanner struct {
	policy   models.ScanPolicy
	resolver *Resolver
	prober   *prober
	observer Observer
	log      *zap.Logger
}

// NewHostScanner creates a host scanner. When opts.Limiter is nil and the
// policy sets a rate, a limiter is created for this scanner alone.
func NewHostScanner(opts Options) *HostScanner {
	log := opts.Logger
	if log == nil {
		log = logger.Named("scanner")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewOptional(opts.Policy.Rate)
	}

	p := opts.Policy
	return &HostScanner{
		policy:   p,
		resolver: NewResolver(opts.Lookup, p.DNSRetries, p.DNSRetryDelay).WithLogger(log.Named("resolver")),
		prober: &prober{
			dialer:     dialer,
			limiter:    limiter,
			global:     opts.Global,
			timeout:    p.Timeout,
			retries:    p.Retries,
			retryDelay: p.RetryDelay,
			observer:   observer,
			log:        log,
		},
		observer: observer,
		log:      log,
	}
}

// ScanPorts returns the open ports of target, ascending and unique
func (s *HostScanner) ScanPorts(ctx context.Context, target string, ports []uint16) []uint16 {
	result := s.ScanHost(ctx, target, ports)
	return result.Open
}

// ScanHost resolves target once and probes every port. Ports are handed to a
// pool of at most Concurrency workers; each attempt also takes a permit from
// the per-host budget so the bound holds even if the pool is resized.
func (s *HostScanner) ScanHost(ctx context.Context, target string, ports []uint16) models.ScanResult {
	result := models.ScanResult{
		Target:      target,
		Scanned:     len(ports),
		Open:        []uint16{},
		StartedAt:   time.Now().UTC(),
		TimeoutMS:   s.policy.Timeout.Milliseconds(),
		Concurrency: s.policy.Concurrency,
	}
	start := time.Now()

	address := s.resolver.Resolve(ctx, target)
	result.Address = address

	hostBudget := NewBudget(s.policy.Concurrency)
	jobs := make(chan uint16)

	var (
		mu       sync.Mutex
		open     []uint16
		attempts atomic.Int64
		wg       sync.WaitGroup
	)

	workers := min(max(s.policy.Concurrency, 1), len(ports))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobs {
				ok, n := s.probeSafe(ctx, hostBudget, target, address, port)
				attempts.Add(int64(n))
				if ok {
					mu.Lock()
					open = append(open, port)
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, port := range ports {
		select {
		case jobs <- port:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	slices.Sort(open)
	if open != nil {
		result.Open = slices.Compact(open)
	}
	result.Attempts = attempts.Load()
	result.EndedAt = time.Now().UTC()
	result.Duration = time.Since(start)

	s.log.Debug("host scanned",
		zap.String("target", target),
		zap.String("address", address),
		zap.Uint16s("open", result.Open),
		zap.Int64("attempts", result.Attempts),
		zap.Duration("duration", result.Duration),
	)
	s.observer.HostFinished(&result)
	return result
}

// probeSafe contains a panic to the port that raised it
func (s *HostScanner) probeSafe(ctx context.Context, host *Budget, target, address string, port uint16) (ok bool, attempts int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("port probe panicked",
				zap.String("target", target),
				zap.Uint16("port", port),
				zap.Error(&ScannerError{Message: "panic", Target: target, Cause: fmt.Errorf("%v", r)}),
			)
			ok = false
		}
	}()
	return s.prober.probe(ctx, host, address, port)
}

// ScanConnectWithLimits scans target's ports under the given limits and returns
// the open ones ascending. limiter and global may be nil.
func ScanConnectWithLimits(
	ctx context.Context,
	target string,
	ports []uint16,
	timeout time.Duration,
	hostConcurrency int,
	dnsRetries int,
	dnsDelay time.Duration,
	limiter *ratelimit.Limiter,
	retries int,
	retryDelay time.Duration,
	global *Budget,
) []uint16 {
	s := NewHostScanner(Options{
		Policy: models.ScanPolicy{
			Timeout:       timeout,
			Retries:       retries,
			RetryDelay:    retryDelay,
			DNSRetries:    dnsRetries,
			DNSRetryDelay: dnsDelay,
			Concurrency:   max(hostConcurrency, 1),
		},
		Limiter: limiter,
		Global:  global,
	})
	return s.ScanPorts(ctx, target, ports)
}

// ScanConnect is ScanConnectWithLimits with no retries, pacing or global budget
func ScanConnect(ctx context.Context, target string, ports []uint16, timeout time.Duration, concurrency int) []uint16 {
	return ScanConnectWithLimits(ctx, target, ports, timeout, concurrency, 0, 0, nil, 0, 0, nil)
}
