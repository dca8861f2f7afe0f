// internal/app/discover.go
// Host discovery sweep for one target

package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/discovery"
	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/output"
	"github.com/aspnmy/netrecon/internal/scanner"
	"github.com/aspnmy/netrecon/pkg/logger"
)

// Discover sweeps target (a host, IP or CIDR) for live hosts and writes the
// live list in the configured format.
func (a *App) Discover(ctx context.Context, target string) (*models.DiscoveryResult, error) {
	ports, err := a.cfg.Discover.PortList()
	if err != nil {
		return nil, err
	}
	format, err := output.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}

	d := a.cfg.Discover
	sweeper := discovery.NewSweeper(discovery.Config{
		Timeout:     d.Timeout(),
		Concurrency: d.Concurrency,
		Rate:        d.QPS,
		Dialer:      a.deps.Dialer,
		Logger:      logger.Named("discovery"),
	})
	resolver := scanner.NewResolver(a.lookup(), a.cfg.Scan.DNSRetries, a.cfg.Scan.Policy().DNSRetryDelay).
		WithLogger(logger.Named("resolver"))

	collector := a.newCollector()
	collector.WatchBudget("discovery", sweeper.Budget())
	stopMetrics := a.serveMetrics(ctx, collector)
	defer stopMetrics()

	result, err := sweeper.Sweep(ctx, target, ports, resolver)
	if err != nil {
		return nil, err
	}
	collector.SweepFinished(result)

	w := a.deps.Stdout
	if path := a.cfg.Output.File; path != "" && path != "-" {
		dest, err := output.OpenDestination(path)
		if err != nil {
			return result, err
		}
		defer func() {
			if err := dest.Close(); err != nil {
				a.log.Error("failed to close output", zap.Error(err))
			}
		}()
		w = dest
	}
	if err := output.WriteDiscovery(w, format, result); err != nil {
		return result, fmt.Errorf("failed to write discovery result: %w", err)
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("discovery interrupted: %w", ctx.Err())
	}
	return result, nil
}
