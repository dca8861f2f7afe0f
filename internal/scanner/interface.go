// internal/scanner/interface.go
// Collaborator interfaces and errors of the scanning engine

package scanner

import (
	"context"
	"net"

	"github.com/aspnmy/netrecon/internal/models"
)

// Dialer opens one TCP connection. *net.Dialer satisfies it; tests inject
// instrumented fakes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HostLookup resolves a hostname to addresses. *net.Resolver satisfies it,
// as does DNSLookup.
type HostLookup interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ResultWriter receives one record per finished host. It is only ever called
// from a single goroutine.
type ResultWriter interface {
	Write(result *models.ScanResult) error
}

// ResultWriterFunc adapts a function to ResultWriter
type ResultWriterFunc func(result *models.ScanResult) error

// Write calls f(result)
func (f ResultWriterFunc) Write(result *models.ScanResult) error {
	return f(result)
}

// defaultDialer disables keep-alive since every connection is closed at once
func defaultDialer() Dialer {
	return &net.Dialer{KeepAlive: -1}
}

// ScannerError represents a scanner-specific error
type ScannerError struct {
	Message string
	Target  string
	Cause   error
}

func (e *ScannerError) Error() string {
	msg := e.Message
	if e.Target != "" {
		msg = e.Target + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ScannerError) Unwrap() error {
	return e.Cause
}
