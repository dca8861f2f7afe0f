// cmd/netrecon/main.go
// netrecon - TCP connect scanner and host discovery sweep

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aspnmy/netrecon/internal/core"
	"github.com/aspnmy/netrecon/pkg/logger"
)

// globalOptions are shared by every subcommand
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	verbose    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "netrecon",
		Short: "Concurrent TCP connect scanner and host discovery sweep",
		Long: `netrecon scans hosts and networks for open TCP ports.

Configuration priority: defaults < netrecon.yaml (or --config) < NETRECON_* env < flags.
Environment keys use __ between sections, e.g. NETRECON_SCAN__QPS=200.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Config file path (default ./netrecon.yaml when present)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console, json")
	pf.CountVarP(&opts.verbose, "verbose", "v", "Verbose logging (-v info, -vv debug)")

	root.AddCommand(newScanCmd(opts))
	root.AddCommand(newDiscoverCmd(opts))
	root.AddCommand(newRunsCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// flagKeys maps a command's flag names to config keys
type flagKeys map[string]string

// overrides collects the flags the user actually set, keyed by config key.
// Values stay strings; koanf converts them while unmarshalling.
func (keys flagKeys) overrides(flags *pflag.FlagSet) map[string]any {
	out := make(map[string]any)
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := keys[f.Name]; ok {
			out[key] = f.Value.String()
		}
	})
	return out
}

// loadConfig layers config for a command and initialises the global logger
func (o *globalOptions) loadConfig(cmd *cobra.Command, keys flagKeys) (*core.Config, error) {
	overrides := keys.overrides(cmd.Flags())
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.logFormat != "" {
		overrides["log.format"] = o.logFormat
	}
	switch {
	case o.verbose >= 2:
		overrides["log.level"] = "debug"
	case o.verbose == 1:
		overrides["log.level"] = "info"
	}

	cfg, err := core.Load(o.configFile, overrides)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
