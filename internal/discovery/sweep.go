// internal/discovery/sweep.go
// TCP connect liveness sweep over expanded CIDR blocks

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/scanner"
	"github.com/aspnmy/netrecon/pkg/cidr"
	"github.com/aspnmy/netrecon/pkg/logger"
	"github.com/aspnmy/netrecon/pkg/ratelimit"
)

// ErrUnresolvable is returned by ExpandTarget for a host that does not resolve to an IP
var ErrUnresolvable = errors.New("failed to resolve target")

// DefaultPorts are tried, in order, when the caller gives none
var DefaultPorts = []uint16{80, 443, 22}

// ExpandTarget turns a CIDR into its usable host addresses and a host or IP
// into a single address.
func ExpandTarget(ctx context.Context, target string, resolver *scanner.Resolver) ([]netip.Addr, error) {
	if cidr.IsCIDR(target) {
		return cidr.Expand(target)
	}
	if addr, err := netip.ParseAddr(target); err == nil {
		return []netip.Addr{addr.WithZone("")}, nil
	}

	if resolver == nil {
		resolver = scanner.NewResolver(nil, 0, 0)
	}
	resolved := resolver.Resolve(ctx, target)
	addr, err := netip.ParseAddr(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, target)
	}
	return []netip.Addr{addr.Unmap()}, nil
}

// Config holds sweeper configuration
type Config struct {
	Timeout     time.Duration
	Concurrency int
	Rate        int // host checks launched per second, 0 = unlimited
	Dialer      scanner.Dialer
	Logger      *zap.Logger
}

// Sweeper checks many hosts for liveness, one connect per port, no retries
type Sweeper struct {
	timeout time.Duration
	budget  *scanner.Budget
	limiter *ratelimit.Limiter
	dialer  scanner.Dialer
	log     *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(cfg Config) *Sweeper {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: -1}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("discovery")
	}
	return &Sweeper{
		timeout: cfg.Timeout,
		budget:  scanner.NewBudget(cfg.Concurrency),
		limiter: ratelimit.NewOptional(cfg.Rate),
		dialer:  dialer,
		log:     log,
	}
}

// Budget exposes the check concurrency budget
func (s *Sweeper) Budget() *scanner.Budget {
	return s.budget
}

// IsHostLive tries ports in order and reports true at the first one that
// accepts within the timeout.
func (s *Sweeper) IsHostLive(ctx context.Context, addr netip.Addr, ports []uint16) bool {
	for _, port := range ports {
		if ctx.Err() != nil {
			return false
		}
		target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))

		dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
		conn, err := s.dialer.DialContext(dialCtx, "tcp", target)
		cancel()
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}

// Discover checks every address and returns the live ones in the order their
// checks completed. Launches are paced by the rate limiter and bounded by the
// concurrency budget.
func (s *Sweeper) Discover(ctx context.Context, addrs []netip.Addr, ports []uint16) []netip.Addr {
	live := make(chan netip.Addr, len(addrs))
	var wg sync.WaitGroup

	for _, addr := range addrs {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := s.budget.Acquire(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(addr netip.Addr) {
			defer wg.Done()
			defer s.budget.Release()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("liveness check panicked", zap.Stringer("addr", addr), zap.Any("panic", r))
				}
			}()

			if s.IsHostLive(ctx, addr, ports) {
				live <- addr
			}
		}(addr)
	}

	wg.Wait()
	close(live)

	out := make([]netip.Addr, 0, len(live))
	for addr := range live {
		out = append(out, addr)
	}
	return out
}

// Sweep expands target, checks every candidate and times the whole run
func (s *Sweeper) Sweep(ctx context.Context, target string, ports []uint16, resolver *scanner.Resolver) (*models.DiscoveryResult, error) {
	if len(ports) == 0 {
		ports = DefaultPorts
	}

	start := time.Now()
	addrs, err := ExpandTarget(ctx, target, resolver)
	if err != nil {
		return nil, err
	}

	s.log.Info("discovery started",
		zap.String("target", target),
		zap.Int("candidates", len(addrs)),
		zap.Uint16s("ports", ports),
	)

	live := s.Discover(ctx, addrs, ports)
	result := &models.DiscoveryResult{
		Target:     target,
		Ports:      ports,
		Live:       live,
		Candidates: len(addrs),
		StartedAt:  start.UTC(),
		Duration:   time.Since(start),
	}

	s.log.Info("discovery finished",
		zap.String("target", target),
		zap.Int("live", len(live)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// DiscoverHosts is the function form of Sweeper.Discover
func DiscoverHosts(ctx context.Context, addrs []netip.Addr, ports []uint16, timeout time.Duration, concurrency, qps int) []netip.Addr {
	s := NewSweeper(Config{Timeout: timeout, Concurrency: concurrency, Rate: qps})
	return s.Discover(ctx, addrs, ports)
}
