// internal/scanner/resolver.go
// Best-effort hostname resolution with bounded retry

package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/pkg/logger"
)

// Resolver turns a target into a dialable address. It never fails: when every
// lookup fails the target is handed back unchanged and the dial decides.
type Resolver struct {
	lookup  HostLookup
	retries int
	delay   time.Duration
	log     *zap.Logger
}

// NewResolver creates a resolver. A nil lookup means the system resolver.
func NewResolver(lookup HostLookup, retries int, delay time.Duration) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{
		lookup:  lookup,
		retries: max(retries, 0),
		delay:   delay,
		log:     logger.Named("resolver"),
	}
}

// WithLogger replaces the resolver's logger
func (r *Resolver) WithLogger(log *zap.Logger) *Resolver {
	r.log = log
	return r
}

// Resolve performs up to retries+1 lookups, sleeping delay between attempts
// but not after the last, and returns the first address of the first
// successful lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) string {
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}

	attempts := r.retries + 1
	for i := 0; i < attempts; i++ {
		addrs, err := r.lookup.LookupHost(ctx, host)
		if err == nil && len(addrs) > 0 {
			return addrs[0]
		}
		r.log.Debug("lookup failed",
			zap.String("host", host),
			zap.Int("attempt", i+1),
			zap.Int("of", attempts),
			zap.Error(err),
		)

		if i+1 < attempts && r.delay > 0 {
			if sleepCtx(ctx, r.delay) != nil {
				break
			}
		}
	}
	return host
}

// ResolveBestEffort resolves host with the system resolver. It never returns
// an error; on failure the input is returned unchanged.
func ResolveBestEffort(ctx context.Context, host string, retries int, delay time.Duration) string {
	return NewResolver(nil, retries, delay).Resolve(ctx, host)
}

// DNSLookup queries one DNS server directly for A then AAAA records.
type DNSLookup struct {
	Server string // host:port, port defaults to 53
	client *dns.Client
}

// NewDNSLookup creates a lookup against server using timeout per query
func NewDNSLookup(server string, timeout time.Duration) *DNSLookup {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	return &DNSLookup{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupHost implements HostLookup. The returned *net.DNSError only reports
// IsNotFound when every query was answered with NXDOMAIN or no records; a
// timeout, transport error or other rcode leaves it false.
func (d *DNSLookup) LookupHost(ctx context.Context, host string) ([]string, error) {
	var (
		addrs    []string
		lastErr  error
		notFound = true
		timeout  bool
	)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := d.client.ExchangeContext(ctx, msg, d.Server)
		if err != nil {
			lastErr = err
			notFound = false
			var netErr net.Error
			if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
				timeout = true
			}
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			lastErr = fmt.Errorf("%s: %s", d.Server, dns.RcodeToString[resp.Rcode])
			continue
		default:
			lastErr = fmt.Errorf("%s: %s", d.Server, dns.RcodeToString[resp.Rcode])
			notFound = false
			continue
		}

		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no address records")
	}
	return nil, &net.DNSError{
		Err:         lastErr.Error(),
		Name:        host,
		Server:      d.Server,
		IsNotFound:  notFound,
		IsTimeout:   timeout,
		IsTemporary: !notFound,
	}
}
