// internal/output/csv.go
// CSV formatter: one row per open port

package output

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"

	"github.com/aspnmy/netrecon/internal/models"
)

var csvHeader = []string{"target", "port", "started_at", "ended_at", "duration_ms"}

// CSVFormatter writes target,port,started_at,ended_at,duration_ms rows.
// Hosts with no open port produce no row.
type CSVFormatter struct {
	out    io.Writer
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVFormatter creates a CSV formatter and writes the header
func NewCSVFormatter(w io.Writer) (*CSVFormatter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return &CSVFormatter{out: w, writer: cw}, nil
}

// Write writes one row per open port
func (f *CSVFormatter) Write(result *models.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	started := formatTime(result.StartedAt)
	ended := formatTime(result.EndedAt)
	duration := strconv.FormatInt(result.DurationMS(), 10)

	for _, port := range result.Open {
		row := []string{result.Target, strconv.Itoa(int(port)), started, ended, duration}
		if err := f.writer.Write(row); err != nil {
			return err
		}
	}
	f.writer.Flush()
	return f.writer.Error()
}

// Flush flushes buffered rows
func (f *CSVFormatter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writer.Flush()
	return f.writer.Error()
}

// Close flushes and closes the destination unless it is stdout
func (f *CSVFormatter) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return closeIfOwned(f.out)
}

// WriteDiscoveryCSV writes a host column with one live host per row
func WriteDiscoveryCSV(w io.Writer, result *models.DiscoveryResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"host"}); err != nil {
		return err
	}
	for _, host := range addrStrings(result.Live) {
		if err := cw.Write([]string{host}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
