package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/app"
	"github.com/aspnmy/netrecon/pkg/logger"
)

var scanFlagKeys = flagKeys{
	"ports":              "scan.ports",
	"top":                "scan.top",
	"timeout-ms":         "scan.timeout_ms",
	"concurrency":        "scan.concurrency",
	"host-concurrency":   "scan.host_concurrency",
	"max-connections":    "scan.max_connections",
	"qps":                "scan.qps",
	"retries":            "scan.retries",
	"retry-delay-ms":     "scan.retry_delay_ms",
	"dns-retries":        "scan.dns_retries",
	"dns-retry-delay-ms": "scan.dns_retry_delay_ms",
	"dns-server":         "scan.dns_server",
	"order":              "scan.order",
	"format":             "output.format",
	"out":                "output.file",
	"progress":           "output.progress",
	"db":                 "store.path",
	"metrics-addr":       "metrics.addr",
}

func newScanCmd(opts *globalOptions) *cobra.Command {
	var (
		targetsFile string
		resume      string
	)

	cmd := &cobra.Command{
		Use:   "scan [target...]",
		Short: "Scan hosts, IPs or CIDRs for open TCP ports",
		Example: `  netrecon scan 192.168.1.1
  netrecon scan 10.0.0.0/24 --ports 22,80,443 --qps 500
  netrecon scan --targets hosts.txt --top 100 --format jsonl --out results.jsonl
  netrecon scan --db results.db --resume 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd, scanFlagKeys)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := app.New(app.Deps{Config: cfg, Version: version, Stdout: cmd.OutOrStdout(), Progress: cmd.ErrOrStderr()})
			summary, err := a.Scan(ctx, app.ScanRequest{
				Targets:     args,
				TargetsFile: targetsFile,
				ResumeRunID: resume,
			})
			if summary != nil {
				logger.Info("scan summary",
					zap.String("run_id", summary.RunID),
					zap.Int("targets", summary.Targets),
					zap.Int64("open_hosts", summary.Stats.OpenHosts),
					zap.Int64("attempts", summary.Stats.Attempts),
					zap.Duration("duration", summary.Stats.Duration),
				)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&targetsFile, "targets", "", "File with one host, IP or CIDR per line")
	f.StringVar(&resume, "resume", "", "Resume an interrupted run by ID (needs --db)")
	f.StringP("ports", "p", "", "Port spec, e.g. 22,80,8000-8100 (default: curated top ports)")
	f.Int("top", 0, "Scan the N most common ports instead of --ports")
	f.Int("timeout-ms", 500, "Per-attempt connect timeout in milliseconds")
	f.IntP("concurrency", "c", 256, "Concurrent attempts per host")
	f.Int("host-concurrency", 1, "Hosts scanned at once")
	f.Int("max-connections", 0, "Concurrent attempts across all hosts (0 = concurrency * host-concurrency)")
	f.Int("qps", 0, "Connection attempts per second across the run (0 = unlimited)")
	f.Int("retries", 0, "Extra attempts per port after a failed connect")
	f.Int("retry-delay-ms", 50, "Base retry backoff in milliseconds")
	f.Int("dns-retries", 0, "Extra lookups for hostnames that fail to resolve")
	f.Int("dns-retry-delay-ms", 200, "Delay between lookups in milliseconds")
	f.String("dns-server", "", "Resolve hostnames against this DNS server (host:port)")
	f.String("order", "completion", "Result order: completion, input")
	f.StringP("format", "f", "text", "Output format: text, json, jsonl, csv")
	f.StringP("out", "o", "", "Write results to file (default stdout)")
	f.Bool("progress", false, "Print a progress line to stderr")
	f.String("db", "", "SQLite results database")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}
