// internal/scanner/load_test.go
// Load tests: many targets through one orchestrator

package scanner

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/aspnmy/netrecon/internal/models"
)

func loadTargets(n int) []string {
	targets := make([]string, n)
	for i := range targets {
		targets[i] = fmt.Sprintf("10.%d.%d.%d", byte(i>>16), byte(i>>8), byte(i))
	}
	return targets
}

func loadPolicy(hosts, concurrency int) models.ScanPolicy {
	return models.ScanPolicy{
		Timeout:         time.Second,
		Concurrency:     concurrency,
		HostConcurrency: hosts,
	}
}

func TestLoad_10KTargets(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const numTargets = 10000
	ports := []uint16{22, 80, 443}
	dialer := newFakeDialer(0, "10.0.0.7:80", "10.0.39.15:443")
	o := NewOrchestrator(Options{Policy: loadPolicy(200, 4), Dialer: dialer})

	var m1 runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m1)

	var processed, open int
	w := ResultWriterFunc(func(r *models.ScanResult) error {
		processed++
		if r.HasOpen() {
			open++
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	stats, err := o.Run(ctx, loadTargets(numTargets), ports, w)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	duration := time.Since(start)

	var m2 runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m2)

	t.Logf("Load Test Results (%d targets):", numTargets)
	t.Logf("  Duration: %v", duration)
	t.Logf("  Rate: %.2f hosts/sec", float64(processed)/duration.Seconds())
	t.Logf("  Peak global connections: %d", stats.PeakGlobal)
	if m2.Alloc > m1.Alloc {
		t.Logf("  Retained per host: %.2f KB", float64(m2.Alloc-m1.Alloc)/float64(processed)/1024)
	}

	if processed != numTargets {
		t.Errorf("processed %d hosts, want %d", processed, numTargets)
	}
	if open != 2 {
		t.Errorf("open hosts = %d, want 2", open)
	}
	if got := stats.Attempts; got != int64(numTargets*len(ports)) {
		t.Errorf("attempts = %d, want %d", got, numTargets*len(ports))
	}
	if peak := dialer.Peak(); peak > 200*4 {
		t.Errorf("peak connections %d exceed %d", peak, 200*4)
	}
}

func TestLoad_GracefulShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	dialer := newFakeDialer(20 * time.Millisecond)
	o := NewOrchestrator(Options{Policy: loadPolicy(50, 2), Dialer: dialer})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	var processed int
	start := time.Now()
	_, err := o.Run(ctx, loadTargets(10000), []uint16{22, 80}, ResultWriterFunc(func(*models.ScanResult) error {
		processed++
		return nil
	}))
	duration := time.Since(start)

	t.Logf("Graceful shutdown: %d hosts written, returned after %v", processed, duration)

	if err == nil {
		t.Fatal("Run() should report the interruption")
	}
	if processed == 0 || processed == 10000 {
		t.Errorf("processed = %d, want some but not all", processed)
	}
	if duration > 5*time.Second {
		t.Errorf("shutdown took too long: %v", duration)
	}
}

func BenchmarkOrchestrator_10K(b *testing.B) {
	targets := loadTargets(10000)
	ports := []uint16{22, 80, 443}
	w := ResultWriterFunc(func(*models.ScanResult) error { return nil })

	for i := 0; i < b.N; i++ {
		o := NewOrchestrator(Options{Policy: loadPolicy(500, 4), Dialer: newFakeDialer(0)})
		if _, err := o.Run(context.Background(), targets, ports, w); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(len(targets)*b.N)/b.Elapsed().Seconds(), "hosts/sec")
}
