// internal/output/sink.go
// Result sink: formatter fan-out plus run counters and an optional progress line

package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/pkg/logger"
)

// Sink receives every host result of a run. The orchestrator calls Write from
// one goroutine; the mutex only guards Progress readers.
type Sink struct {
	formatter Formatter
	log       *zap.Logger

	mu         sync.Mutex
	runID      string
	total      int64
	written    int64
	openHosts  int64
	failed     int64
	start      time.Time
	progress   io.Writer
	lastUpdate time.Time
	interval   time.Duration
}

// SinkOption configures a Sink
type SinkOption func(*Sink)

// WithProgress prints a progress line to w at most every interval
func WithProgress(w io.Writer, interval time.Duration) SinkOption {
	return func(s *Sink) {
		s.progress = w
		s.interval = interval
	}
}

// WithTotal sets the expected number of hosts
func WithTotal(n int) SinkOption {
	return func(s *Sink) { s.total = int64(n) }
}

// WithRunID tags progress with the run's ID
func WithRunID(id string) SinkOption {
	return func(s *Sink) { s.runID = id }
}

// NewSink creates a sink over f
func NewSink(f Formatter, opts ...SinkOption) *Sink {
	s := &Sink{
		formatter: f,
		log:       logger.Named("output"),
		start:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write hands result to the formatter and updates counters
func (s *Sink) Write(result *models.ScanResult) error {
	err := s.formatter.Write(result)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.written++
	if result.HasOpen() {
		s.openHosts++
	}
	if err != nil {
		s.failed++
	}
	s.reportLocked(false)
	return err
}

// Progress returns a snapshot of the counters
func (s *Sink) Progress() models.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Sink) progressLocked() models.Progress {
	p := models.Progress{
		RunID:     s.runID,
		Total:     s.total,
		Processed: s.written,
		OpenHosts: s.openHosts,
		StartTime: s.start,
		Elapsed:   time.Since(s.start),
	}
	if s.total > 0 {
		p.Percent = float64(s.written) * 100 / float64(s.total)
	}
	return p
}

func (s *Sink) reportLocked(final bool) {
	if s.progress == nil {
		return
	}
	if !final && time.Since(s.lastUpdate) < s.interval {
		return
	}
	s.lastUpdate = time.Now()

	p := s.progressLocked()
	fmt.Fprintf(s.progress, "\r[%6.2f%%] %d/%d hosts | open: %d | elapsed: %s",
		p.Percent, p.Processed, p.Total, p.OpenHosts, p.Elapsed.Round(time.Millisecond))
	if final {
		fmt.Fprintln(s.progress)
	}
}

// Failed returns how many writes returned an error
func (s *Sink) Failed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close prints the final progress line and closes the formatter
func (s *Sink) Close() error {
	s.mu.Lock()
	s.reportLocked(true)
	p := s.progressLocked()
	s.mu.Unlock()

	s.log.Debug("sink closed",
		zap.Int64("written", p.Processed),
		zap.Int64("open_hosts", p.OpenHosts),
		zap.Duration("elapsed", p.Elapsed),
	)
	return s.formatter.Close()
}
