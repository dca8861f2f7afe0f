// internal/app/scanner.go
// Application orchestrator: wires config, engine, sinks, store and metrics for one invocation

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aspnmy/netrecon/internal/core"
	"github.com/aspnmy/netrecon/internal/metrics"
	"github.com/aspnmy/netrecon/internal/output"
	"github.com/aspnmy/netrecon/internal/scanner"
	"github.com/aspnmy/netrecon/internal/store"
	"github.com/aspnmy/netrecon/pkg/cidr"
	"github.com/aspnmy/netrecon/pkg/logger"
	"github.com/aspnmy/netrecon/pkg/portspec"
)

// ErrNoStore is returned when a command needs the results database but none is configured
var ErrNoStore = errors.New("no results database configured (set --db or store.path)")

// Deps holds the collaborators of an App. Only Config is required.
type Deps struct {
	Config  *core.Config
	Version string

	Stdout   io.Writer // results when output.file is empty, default os.Stdout
	Progress io.Writer // progress line, default os.Stderr

	Dialer scanner.Dialer     // default net.Dialer
	Lookup scanner.HostLookup // default system resolver, or dns_server when set
}

// App runs scans and sweeps
type App struct {
	cfg  *core.Config
	deps Deps
	log  *zap.Logger
}

// New creates an App
func New(deps Deps) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Progress == nil {
		deps.Progress = os.Stderr
	}
	return &App{
		cfg:  deps.Config,
		deps: deps,
		log:  logger.Named("app"),
	}
}

// ScanRequest names what to scan. Targets may be hosts, IPs or CIDRs.
type ScanRequest struct {
	Targets     []string
	TargetsFile string
	ResumeRunID string // continue an interrupted run; Targets are then ignored
}

// ScanSummary is returned by Scan
type ScanSummary struct {
	RunID   string
	Targets int
	Ports   portspec.Set
	Stats   scanner.RunStats
}

// Scan runs a multi-target port scan. Configuration problems are returned
// before any connection is made; an interrupted scan returns its summary along
// with the context error.
func (a *App) Scan(ctx context.Context, req ScanRequest) (*ScanSummary, error) {
	ports, err := a.cfg.Scan.PortSet()
	if err != nil {
		return nil, err
	}
	policy := a.cfg.Scan.Policy()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	format, err := output.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}

	var (
		db       *store.Store
		recorder *store.Recorder
		targets  []string
		skip     []string
	)
	if req.ResumeRunID == "" {
		if targets, err = a.collectTargets(req, len(ports)); err != nil {
			return nil, err
		}
	}
	if a.cfg.Store.Path != "" || req.ResumeRunID != "" {
		if a.cfg.Store.Path == "" {
			return nil, ErrNoStore
		}
		if db, err = store.Open(a.cfg.Store.Path); err != nil {
			return nil, err
		}
		defer db.Close()
	}

	// the output must be writable before a run row is created
	formatter, err := a.openFormatter(format)
	if err != nil {
		return nil, err
	}

	// store bookkeeping survives an interrupt of the scan itself
	storeCtx := context.WithoutCancel(ctx)

	switch {
	case req.ResumeRunID != "":
		var info *store.RunInfo
		recorder, info, skip, err = store.ResumeRun(storeCtx, db, req.ResumeRunID)
		if err != nil {
			_ = formatter.Close()
			return nil, err
		}
		targets = info.Targets
	case db != nil:
		recorder, err = store.StartRun(storeCtx, db, store.RunMeta{
			ToolVersion: a.deps.Version,
			Args:        a.runArgs(ports),
			Targets:     targets,
		})
		if err != nil {
			_ = formatter.Close()
			return nil, err
		}
	}

	multi := output.NewMultiFormatter(formatter)

	summary := &ScanSummary{Targets: len(targets), Ports: ports}
	sinkOpts := []output.SinkOption{output.WithTotal(len(targets) - len(skip))}
	if recorder != nil {
		summary.RunID = recorder.RunID()
		multi.Add(recorder.DropAfterCancel(ctx))
		sinkOpts = append(sinkOpts, output.WithRunID(recorder.RunID()))
	}
	if a.cfg.Output.Progress {
		sinkOpts = append(sinkOpts, output.WithProgress(a.deps.Progress, time.Second))
	}
	sink := output.NewSink(multi, sinkOpts...)

	collector := a.newCollector()
	orch := scanner.NewOrchestrator(scanner.Options{
		Policy:   policy,
		Dialer:   a.deps.Dialer,
		Lookup:   a.lookup(),
		Observer: observer(collector),
		Logger:   logger.Named("scanner"),
	})
	orch.Skip(skip...)
	collector.WatchBudget("global", orch.Global())
	collector.WatchLimiter(orch.Limiter())

	stopMetrics := a.serveMetrics(ctx, collector)

	a.log.Info("scan starting",
		zap.String("run_id", summary.RunID),
		zap.Int("targets", len(targets)),
		zap.Int("resumed_done", len(skip)),
		zap.String("ports", ports.String()),
	)

	stats, runErr := orch.Run(ctx, targets, ports, sink)
	summary.Stats = stats

	closeErr := sink.Close()
	if closeErr != nil {
		a.log.Error("failed to close output", zap.Error(closeErr))
	}
	interrupted := runErr != nil || ctx.Err() != nil
	if recorder != nil {
		var err error
		if closeErr != nil && !interrupted {
			err = recorder.Fail(closeErr)
		} else {
			err = recorder.Finish(interrupted)
		}
		if err != nil {
			a.log.Error("failed to finish run", zap.String("run_id", summary.RunID), zap.Error(err))
		}
	}
	stopMetrics()

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("scan interrupted: %w", ctx.Err())
	}
	return summary, runErr
}

// collectTargets merges positional targets and the targets file, expanding CIDRs
func (a *App) collectTargets(req ScanRequest, portCount int) ([]string, error) {
	inputs := append([]string(nil), req.Targets...)
	if req.TargetsFile != "" {
		fromFile, err := cidr.ParseTargetsFile(req.TargetsFile)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, fromFile...)
	}
	if len(inputs) == 0 {
		return nil, cidr.ErrNoTargets
	}

	var prefixes []string
	for _, in := range inputs {
		if cidr.IsCIDR(in) {
			prefixes = append(prefixes, in)
		}
	}
	if len(prefixes) > 0 {
		info, err := cidr.CheckCIDRSize(prefixes, portCount)
		if err != nil {
			return nil, err
		}
		if info.Warning != "" {
			a.log.Warn(info.Warning, zap.Uint64("attempts", info.TotalTargets), zap.Bool("very_large", info.IsVeryLarge))
		}
	}

	targets := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if !cidr.IsCIDR(in) {
			targets = append(targets, in)
			continue
		}
		addrs, err := cidr.Expand(in)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			targets = append(targets, addr.String())
		}
	}
	return targets, nil
}

// runArgs is the settings snapshot stored with a run
func (a *App) runArgs(ports portspec.Set) map[string]any {
	s := a.cfg.Scan
	return map[string]any{
		"ports":            ports.String(),
		"timeout_ms":       s.TimeoutMS,
		"concurrency":      s.Concurrency,
		"host_concurrency": s.HostConcurrency,
		"max_connections":  s.MaxConnections,
		"qps":              s.QPS,
		"retries":          s.Retries,
		"retry_delay_ms":   s.RetryDelayMS,
		"order":            s.Order,
	}
}

// openFormatter opens output.file (or stdout) in the given format
func (a *App) openFormatter(format output.Format) (output.Formatter, error) {
	var w io.Writer = a.deps.Stdout
	if path := a.cfg.Output.File; path != "" && path != "-" {
		dest, err := output.OpenDestination(path)
		if err != nil {
			return nil, err
		}
		w = dest
	}
	return output.New(format, w)
}

// lookup picks the resolver backend
func (a *App) lookup() scanner.HostLookup {
	if server := a.cfg.Scan.DNSServer; server != "" {
		return scanner.NewDNSLookup(server, a.cfg.Scan.Policy().Timeout)
	}
	return a.deps.Lookup
}

// newCollector returns nil when metrics are disabled; every Collector method
// accepts a nil receiver.
func (a *App) newCollector() *metrics.Collector {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	return metrics.New()
}

// observer keeps a nil collector from becoming a non-nil interface
func observer(c *metrics.Collector) scanner.Observer {
	if c == nil {
		return nil
	}
	return c
}

// serveMetrics starts the scrape endpoint and returns a func that stops it
func (a *App) serveMetrics(ctx context.Context, c *metrics.Collector) func() {
	if c == nil {
		return func() {}
	}

	srvCtx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		return c.Serve(srvCtx, a.cfg.Metrics.Addr)
	})

	return func() {
		cancel()
		if err := g.Wait(); err != nil {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}
}

// Runs lists stored runs, newest first
func (a *App) Runs(ctx context.Context, status string) ([]store.RunInfo, error) {
	if a.cfg.Store.Path == "" {
		return nil, ErrNoStore
	}
	db, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.ListRuns(ctx, status)
}

// ShowRun writes the stored host results of runID to stdout in the configured
// output format and returns the run's metadata.
func (a *App) ShowRun(ctx context.Context, runID string) (*store.RunInfo, error) {
	if a.cfg.Store.Path == "" {
		return nil, ErrNoStore
	}
	format, err := output.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	info, err := db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := db.HostResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	formatter, err := output.New(format, a.deps.Stdout)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if err := formatter.Write(&results[i]); err != nil {
			_ = formatter.Close()
			return nil, err
		}
	}
	return info, formatter.Close()
}
