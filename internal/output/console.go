// internal/output/console.go
// Human-readable text formatter, styled with lipgloss when writing to a terminal

package output

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/aspnmy/netrecon/internal/models"
)

// ConsoleFormatter writes one line per host:
//
//	10.0.0.1: open ports [22,80] (64 scanned, 812 ms)
//	10.0.0.2: no open ports found (64 scanned)
type ConsoleFormatter struct {
	out    io.Writer
	buffer *bufio.Writer
	mu     sync.Mutex

	target lipgloss.Style
	ports  lipgloss.Style
	muted  lipgloss.Style
}

// NewConsoleFormatter creates a text formatter. Colors are only emitted when
// w is a terminal.
func NewConsoleFormatter(w io.Writer) *ConsoleFormatter {
	r := lipgloss.NewRenderer(w)
	return &ConsoleFormatter{
		out:    w,
		buffer: bufio.NewWriter(w),
		target: r.NewStyle().Bold(true),
		ports:  r.NewStyle().Foreground(lipgloss.Color("#04B575")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("#767676")),
	}
}

// Write writes a result line
func (f *ConsoleFormatter) Write(result *models.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var line string
	if result.HasOpen() {
		line = fmt.Sprintf("%s: open ports [%s] (%d scanned, %d ms)",
			f.target.Render(result.Target),
			f.ports.Render(joinPorts(result.Open)),
			result.Scanned,
			result.DurationMS(),
		)
	} else {
		line = fmt.Sprintf("%s: %s",
			f.target.Render(result.Target),
			f.muted.Render(fmt.Sprintf("no open ports found (%d scanned)", result.Scanned)),
		)
	}

	if _, err := fmt.Fprintln(f.buffer, line); err != nil {
		return err
	}
	// line-at-a-time so long runs can be followed with tail -f
	return f.buffer.Flush()
}

// Flush flushes the buffer
func (f *ConsoleFormatter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer.Flush()
}

// Close flushes and closes the destination unless it is stdout
func (f *ConsoleFormatter) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	return closeIfOwned(f.out)
}

// WriteDiscoveryText prints the live host list of a sweep
func WriteDiscoveryText(w io.Writer, result *models.DiscoveryResult) error {
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true)
	host := r.NewStyle().Foreground(lipgloss.Color("#04B575"))
	muted := r.NewStyle().Foreground(lipgloss.Color("#767676"))

	var b strings.Builder
	b.WriteString(header.Render(fmt.Sprintf("live hosts (%d):", len(result.Live))))
	b.WriteByte('\n')
	for _, addr := range result.Live {
		b.WriteString(host.Render(addr.String()))
		b.WriteByte('\n')
	}
	b.WriteString(muted.Render(fmt.Sprintf("(checked ports %s, took %d ms)", joinPorts(result.Ports), result.DurationMS())))
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

func joinPorts(ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
