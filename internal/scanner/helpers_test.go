// internal/scanner/helpers_test.go
// Instrumented fakes shared by the scanner tests

package scanner

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aspnmy/netrecon/internal/models"
)

var errRefused = errors.New("connection refused")

// fakeDialer accepts connections to the addresses in open and refuses the
// rest after delay, recording concurrency per host and overall.
type fakeDialer struct {
	delay   time.Duration
	open    map[string]bool
	panicOn string

	calls atomic.Int64

	mu       sync.Mutex
	inFlight int
	peak     int
	hostIn   map[string]int
	hostPeak map[string]int
	dialed   map[string]int
}

func newFakeDialer(delay time.Duration, open ...string) *fakeDialer {
	d := &fakeDialer{
		delay:    delay,
		open:     make(map[string]bool),
		hostIn:   make(map[string]int),
		hostPeak: make(map[string]int),
		dialed:   make(map[string]int),
	}
	for _, a := range open {
		d.open[a] = true
	}
	return d
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	host, _, _ := net.SplitHostPort(address)

	d.mu.Lock()
	d.inFlight++
	d.peak = max(d.peak, d.inFlight)
	d.hostIn[host]++
	d.hostPeak[host] = max(d.hostPeak[host], d.hostIn[host])
	d.dialed[address]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.hostIn[host]--
		d.mu.Unlock()
	}()

	if address == d.panicOn {
		panic("dialer exploded")
	}

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !d.open[address] {
		return nil, errRefused
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (d *fakeDialer) Peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *fakeDialer) HostPeak(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostPeak[host]
}

func (d *fakeDialer) Dialed(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed[address]
}

// fakeLookup fails every lookup unless addrs is set, recording call times
type fakeLookup struct {
	addrs []string

	mu    sync.Mutex
	calls []time.Time
}

func (l *fakeLookup) LookupHost(_ context.Context, host string) ([]string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, time.Now())
	l.mu.Unlock()
	if len(l.addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return l.addrs, nil
}

func (l *fakeLookup) Calls() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.calls...)
}

// countingObserver tallies attempts and hosts
type countingObserver struct {
	attempts atomic.Int64
	opened   atomic.Int64
	hosts    atomic.Int64
}

func (o *countingObserver) AttemptFinished(open bool, _ time.Duration) {
	o.attempts.Add(1)
	if open {
		o.opened.Add(1)
	}
}

func (o *countingObserver) HostFinished(_ *models.ScanResult) {
	o.hosts.Add(1)
}
