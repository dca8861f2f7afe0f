// internal/core/config.go
// Configuration management using Koanf: defaults < YAML < env < flags

package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/output"
	"github.com/aspnmy/netrecon/pkg/portspec"
)

const (
	// EnvPrefix prefixes every environment override, e.g. NETRECON_SCAN__QPS=100
	EnvPrefix = "NETRECON_"

	// DefaultFile is picked up from the working directory when no --config is given
	DefaultFile = "netrecon.yaml"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete application configuration
type Config struct {
	Scan     ScanConfig     `koanf:"scan"`
	Discover DiscoverConfig `koanf:"discover"`
	Output   OutputConfig   `koanf:"output"`
	Store    StoreConfig    `koanf:"store"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ScanConfig contains port scan settings
type ScanConfig struct {
	Ports string `koanf:"ports"` // port spec, wins over top
	Top   int    `koanf:"top"`   // curated top-N ports when ports is empty

	TimeoutMS       int `koanf:"timeout_ms"`
	Concurrency     int `koanf:"concurrency"`      // in-flight attempts per host
	HostConcurrency int `koanf:"host_concurrency"` // hosts at once
	MaxConnections  int `koanf:"max_connections"`  // 0 = concurrency * host_concurrency
	QPS             int `koanf:"qps"`              // 0 = unlimited

	Retries      int `koanf:"retries"`
	RetryDelayMS int `koanf:"retry_delay_ms"`

	DNSRetries      int    `koanf:"dns_retries"`
	DNSRetryDelayMS int    `koanf:"dns_retry_delay_ms"`
	DNSServer       string `koanf:"dns_server"` // host:port, empty = system resolver

	Order string `koanf:"order"` // completion, input
}

// DiscoverConfig contains host discovery settings
type DiscoverConfig struct {
	Ports       string `koanf:"ports"`
	TimeoutMS   int    `koanf:"timeout_ms"`
	Concurrency int    `koanf:"concurrency"`
	QPS         int    `koanf:"qps"`
}

// OutputConfig contains output settings
type OutputConfig struct {
	Format   string `koanf:"format"` // text, json, jsonl, csv
	File     string `koanf:"file"`   // empty or "-" = stdout
	Progress bool   `koanf:"progress"`
}

// StoreConfig points at the SQLite results database
type StoreConfig struct {
	Path string `koanf:"path"` // empty = results are not stored
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty = disabled
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			TimeoutMS:       500,
			Concurrency:     256,
			HostConcurrency: 1,
			RetryDelayMS:    50,
			DNSRetryDelayMS: 200,
			Order:           string(models.OrderCompletion),
		},
		Discover: DiscoverConfig{
			Ports:       "80,443,22",
			TimeoutMS:   300,
			Concurrency: 256,
		},
		Output: OutputConfig{
			Format: string(output.FormatText),
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load builds a fresh Config. path may be empty, in which case DefaultFile is
// read when it exists. overrides are dotted keys (e.g. "scan.qps") holding
// values set explicitly on the command line.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %w", ErrInvalidConfig, path, err)
		}
	}

	// 3. Environment, NETRECON_SCAN__TIMEOUT_MS -> scan.timeout_ms
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load flag overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges before any network I/O happens
func (c *Config) Validate() error {
	if _, err := c.Scan.PortSet(); err != nil {
		return fmt.Errorf("%w: scan.ports: %w", ErrInvalidConfig, err)
	}
	if c.Scan.Top < 0 {
		return fmt.Errorf("%w: scan.top must not be negative", ErrInvalidConfig)
	}
	if err := c.Scan.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if _, err := c.Discover.PortList(); err != nil {
		return fmt.Errorf("%w: discover.ports: %w", ErrInvalidConfig, err)
	}
	if c.Discover.TimeoutMS <= 0 {
		return fmt.Errorf("%w: discover.timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.Discover.Concurrency < 1 {
		return fmt.Errorf("%w: discover.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Discover.QPS < 0 {
		return fmt.Errorf("%w: discover.qps must not be negative", ErrInvalidConfig)
	}

	if _, err := output.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// PortSet resolves ports / top into the set to scan
func (s ScanConfig) PortSet() (portspec.Set, error) {
	switch {
	case strings.TrimSpace(s.Ports) != "":
		return portspec.Parse(s.Ports)
	case s.Top > 0:
		return portspec.Top(s.Top), nil
	default:
		return portspec.Default(), nil
	}
}

// Policy converts the scan section into the engine's pacing policy
func (s ScanConfig) Policy() models.ScanPolicy {
	return models.ScanPolicy{
		Timeout:         ms(s.TimeoutMS),
		Retries:         s.Retries,
		RetryDelay:      ms(s.RetryDelayMS),
		DNSRetries:      s.DNSRetries,
		DNSRetryDelay:   ms(s.DNSRetryDelayMS),
		Rate:            s.QPS,
		Concurrency:     s.Concurrency,
		HostConcurrency: s.HostConcurrency,
		MaxConnections:  s.MaxConnections,
		Ordering:        models.Ordering(s.Order),
	}
}

// PortList parses the liveness ports, keeping the order they are tried in
func (d DiscoverConfig) PortList() ([]uint16, error) {
	return portspec.ParseList(d.Ports)
}

// Timeout returns the per-connect discovery timeout
func (d DiscoverConfig) Timeout() time.Duration {
	return ms(d.TimeoutMS)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
