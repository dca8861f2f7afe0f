// internal/output/interface.go
// Output formatter interfaces and format selection

package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aspnmy/netrecon/internal/models"
)

// Formatter is the base interface for all output formatters
type Formatter interface {
	// Write writes a single host's result
	Write(result *models.ScanResult) error

	// Flush ensures all buffered data is written
	Flush() error

	// Close flushes and releases the underlying writer if the formatter owns it
	Close() error
}

// Format names an output encoding
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// Common formatter errors
var (
	ErrInvalidFormat         = errors.New("invalid output format")
	ErrOutputFileNotWritable = errors.New("output file is not writable")
)

// ParseFormat accepts text, json, jsonl or csv (case-insensitive, "" = text)
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatJSONL, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("%w %q (must be text, json, jsonl or csv)", ErrInvalidFormat, s)
}

// New creates the formatter for format writing to w. The formatter closes w
// on Close when w is an io.Closer other than stdout.
func New(format Format, w io.Writer) (Formatter, error) {
	switch format {
	case FormatText, "":
		return NewConsoleFormatter(w), nil
	case FormatJSON, FormatJSONL:
		return NewJSONLFormatter(w), nil
	case FormatCSV:
		return NewCSVFormatter(w)
	}
	return nil, fmt.Errorf("%w %q", ErrInvalidFormat, format)
}

// OpenDestination opens path for writing (truncating it), or returns stdout
// when path is empty or "-".
func OpenDestination(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutputFileNotWritable, err)
		}
	}

	//nolint:gosec // G304: output path is chosen by the operator
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputFileNotWritable, err)
	}
	return file, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func closeIfOwned(w io.Writer) error {
	if w == io.Writer(os.Stdout) || w == io.Writer(os.Stderr) {
		return nil
	}
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MultiFormatter allows writing to multiple formatters simultaneously
type MultiFormatter struct {
	formatters []Formatter
}

// NewMultiFormatter creates a new multi-formatter
func NewMultiFormatter(formatters ...Formatter) *MultiFormatter {
	return &MultiFormatter{formatters: formatters}
}

// Add appends another formatter
func (m *MultiFormatter) Add(f Formatter) {
	m.formatters = append(m.formatters, f)
}

// Write writes to every formatter, even after one fails, and joins the errors
func (m *MultiFormatter) Write(result *models.ScanResult) error {
	var errs []error
	for _, f := range m.formatters {
		if err := f.Write(result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes all formatters
func (m *MultiFormatter) Flush() error {
	var errs []error
	for _, f := range m.formatters {
		if err := f.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all formatters
func (m *MultiFormatter) Close() error {
	var errs []error
	for _, f := range m.formatters {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
