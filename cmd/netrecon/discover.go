package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aspnmy/netrecon/internal/app"
	"github.com/aspnmy/netrecon/pkg/logger"
)

var discoverFlagKeys = flagKeys{
	"ports":        "discover.ports",
	"timeout-ms":   "discover.timeout_ms",
	"concurrency":  "discover.concurrency",
	"qps":          "discover.qps",
	"dns-server":   "scan.dns_server",
	"format":       "output.format",
	"out":          "output.file",
	"metrics-addr": "metrics.addr",
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover TARGET",
		Short: "Find live hosts in a CIDR, or check a single host",
		Example: `  netrecon discover 192.168.1.0/24
  netrecon discover 10.0.0.0/16 --ports 22,443 --qps 2000 --format jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd, discoverFlagKeys)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := app.New(app.Deps{Config: cfg, Version: version, Stdout: cmd.OutOrStdout()})
			_, err = a.Discover(ctx, args[0])
			return err
		},
	}

	f := cmd.Flags()
	f.StringP("ports", "p", "80,443,22", "Ports tried for liveness, in order")
	f.Int("timeout-ms", 300, "Per-attempt connect timeout in milliseconds")
	f.IntP("concurrency", "c", 256, "Hosts checked at once")
	f.Int("qps", 0, "Host checks launched per second (0 = unlimited)")
	f.String("dns-server", "", "Resolve a hostname target against this DNS server (host:port)")
	f.StringP("format", "f", "text", "Output format: text, json, jsonl, csv")
	f.StringP("out", "o", "", "Write results to file (default stdout)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}
