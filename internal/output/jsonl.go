// internal/output/jsonl.go
// JSON Lines output formatter

package output

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/aspnmy/netrecon/internal/models"
)

// Record is the machine-readable form of one host's result
type Record struct {
	Target      string   `json:"target"`
	Address     string   `json:"address,omitempty"`
	Scanned     int      `json:"scanned"`
	Open        []uint16 `json:"open"`
	Attempts    int64    `json:"attempts"`
	TimeoutMS   int64    `json:"timeout_ms"`
	Concurrency int      `json:"concurrency"`
	DurationMS  int64    `json:"duration_ms"`
	StartedAt   string   `json:"started_at"`
	EndedAt     string   `json:"ended_at"`
}

// NewRecord converts a result to its wire form
func NewRecord(result *models.ScanResult) Record {
	open := result.Open
	if open == nil {
		open = []uint16{}
	}
	return Record{
		Target:      result.Target,
		Address:     result.Address,
		Scanned:     result.Scanned,
		Open:        open,
		Attempts:    result.Attempts,
		TimeoutMS:   result.TimeoutMS,
		Concurrency: result.Concurrency,
		DurationMS:  result.DurationMS(),
		StartedAt:   formatTime(result.StartedAt),
		EndedAt:     formatTime(result.EndedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// JSONLFormatter writes one JSON object per host per line
type JSONLFormatter struct {
	encoder *json.Encoder
	writer  io.Writer
	buffer  *bufio.Writer
	mu      sync.Mutex
}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter(w io.Writer) *JSONLFormatter {
	buffer := bufio.NewWriterSize(w, 64*1024) // 64KB buffer

	return &JSONLFormatter{
		encoder: json.NewEncoder(buffer),
		writer:  w,
		buffer:  buffer,
	}
}

// Write writes a single result
func (f *JSONLFormatter) Write(result *models.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.encoder.Encode(NewRecord(result)); err != nil {
		return err
	}
	return f.buffer.Flush()
}

// Flush flushes the buffer
func (f *JSONLFormatter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.buffer.Flush()
}

// Close flushes and closes the destination unless it is stdout
func (f *JSONLFormatter) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return closeIfOwned(f.writer)
}

// discoveryJSON is the single-object form of a sweep
type discoveryJSON struct {
	Target     string   `json:"target"`
	Live       []string `json:"live"`
	Ports      []uint16 `json:"ports"`
	DurationMS int64    `json:"duration_ms"`
}

// WriteDiscoveryJSON writes the whole sweep as one object
func WriteDiscoveryJSON(w io.Writer, result *models.DiscoveryResult) error {
	return json.NewEncoder(w).Encode(discoveryJSON{
		Target:     result.Target,
		Live:       addrStrings(result.Live),
		Ports:      result.Ports,
		DurationMS: result.DurationMS(),
	})
}

// WriteDiscoveryJSONL writes {"host": ip} per live host
func WriteDiscoveryJSONL(w io.Writer, result *models.DiscoveryResult) error {
	enc := json.NewEncoder(w)
	for _, addr := range result.Live {
		if err := enc.Encode(struct {
			Host string `json:"host"`
		}{addr.String()}); err != nil {
			return err
		}
	}
	return nil
}

// WriteDiscovery renders a sweep in format. CSV writes one host per row.
func WriteDiscovery(w io.Writer, format Format, result *models.DiscoveryResult) error {
	switch format {
	case FormatText, "":
		return WriteDiscoveryText(w, result)
	case FormatJSON:
		return WriteDiscoveryJSON(w, result)
	case FormatJSONL:
		return WriteDiscoveryJSONL(w, result)
	case FormatCSV:
		return WriteDiscoveryCSV(w, result)
	}
	return ErrInvalidFormat
}
