// internal/models/types.go
// Core data models shared by the engine, output sinks and the results store

package models

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrInvalidPolicy is returned by ScanPolicy.Validate
var ErrInvalidPolicy = errors.New("invalid scan policy")

// Ordering controls the order in which multi-target results reach the sink
type Ordering string

const (
	// OrderCompletion emits each host as soon as it finishes (default)
	OrderCompletion Ordering = "completion"
	// OrderInput emits hosts in the order they were given
	OrderInput Ordering = "input"
)

// ParseOrdering maps "" to OrderCompletion and rejects unknown modes
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case "", OrderCompletion:
		return OrderCompletion, nil
	case OrderInput:
		return OrderInput, nil
	}
	return "", fmt.Errorf("%w: unknown ordering %q (must be completion or input)", ErrInvalidPolicy, s)
}

// ScanPolicy is the immutable set of pacing and retry knobs for one run
type ScanPolicy struct {
	Timeout    time.Duration // per connection attempt, does not grow with retries
	Retries    int           // extra attempts after the first
	RetryDelay time.Duration // base backoff delay

	DNSRetries    int
	DNSRetryDelay time.Duration

	Rate int // attempts per second across the run, 0 = unlimited

	Concurrency     int // in-flight attempts per host
	HostConcurrency int // hosts scanned at once
	MaxConnections  int // in-flight attempts across all hosts, 0 = Concurrency*HostConcurrency

	Ordering Ordering
}

// Validate rejects policies that cannot be run before any network I/O happens
func (p ScanPolicy) Validate() error {
	switch {
	case p.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidPolicy)
	case p.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidPolicy)
	case p.HostConcurrency < 0:
		return fmt.Errorf("%w: host concurrency must not be negative", ErrInvalidPolicy)
	case p.MaxConnections < 0:
		return fmt.Errorf("%w: max connections must not be negative", ErrInvalidPolicy)
	case p.Retries < 0, p.DNSRetries < 0:
		return fmt.Errorf("%w: retry counts must not be negative", ErrInvalidPolicy)
	case p.RetryDelay < 0, p.DNSRetryDelay < 0:
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidPolicy)
	case p.Rate < 0:
		return fmt.Errorf("%w: rate must not be negative", ErrInvalidPolicy)
	}
	_, err := ParseOrdering(string(p.Ordering))
	return err
}

// HostsInFlight returns HostConcurrency with 0 treated as 1
func (p ScanPolicy) HostsInFlight() int {
	return max(p.HostConcurrency, 1)
}

// GlobalConnections returns the effective cap on attempts across all hosts
func (p ScanPolicy) GlobalConnections() int {
	if p.MaxConnections > 0 {
		return p.MaxConnections
	}
	return max(p.Concurrency*p.HostsInFlight(), 1)
}

// ScanResult is the outcome of scanning every port of one target
type ScanResult struct {
	Target    string        `json:"target"`
	Address   string        `json:"address,omitempty"` // resolved address, equals Target when resolution failed
	Open      []uint16      `json:"open"`
	Scanned   int           `json:"scanned"`
	Attempts  int64         `json:"attempts"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"-"`

	// Echo of the policy for machine-readable sinks
	TimeoutMS   int64 `json:"timeout_ms"`
	Concurrency int   `json:"concurrency"`

	// Index is the target's position in the input list, used for input ordering
	Index int `json:"-"`
}

// DurationMS returns Duration in whole milliseconds
func (r *ScanResult) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// HasOpen reports whether any port answered
func (r *ScanResult) HasOpen() bool {
	return len(r.Open) > 0
}

// DiscoveryResult is the outcome of one liveness sweep
type DiscoveryResult struct {
	Target     string        `json:"target"`
	Ports      []uint16      `json:"ports"`
	Live       []netip.Addr  `json:"live"`
	Candidates int           `json:"candidates"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
}

// DurationMS returns Duration in whole milliseconds
func (r *DiscoveryResult) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// Progress represents multi-target scan progress
type Progress struct {
	RunID     string        `json:"run_id"`
	Total     int64         `json:"total"`
	Processed int64         `json:"processed"`
	OpenHosts int64         `json:"open_hosts"`
	StartTime time.Time     `json:"start_time"`
	Elapsed   time.Duration `json:"elapsed"`
	Percent   float64       `json:"percent"`
}
