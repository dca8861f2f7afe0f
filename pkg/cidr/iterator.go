// pkg/cidr/iterator.go
// Memory-efficient iteration over the usable host addresses of CIDR blocks

package cidr

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidCIDR  = errors.New("invalid CIDR")
	ErrCIDRTooLarge = errors.New("CIDR expands to too many addresses")
	ErrNoTargets    = errors.New("no valid CIDRs provided")
)

// MaxExpand is the largest block Expand will materialise (a /8 in IPv4).
const MaxExpand = 1 << 24

// hostRange is the inclusive span of usable addresses in one prefix.
type hostRange struct {
	first netip.Addr
	last  netip.Addr
	count uint64
}

// usable returns the scannable addresses of prefix. IPv4 /0-/30 drop the
// network and broadcast addresses, /31 keeps both (RFC 3021), /32 is the one
// address. IPv6 has no broadcast, so every address is usable.
func usable(prefix netip.Prefix) hostRange {
	prefix = prefix.Masked()
	first := prefix.Addr()
	last := lastAddr(prefix)
	hostBits := first.BitLen() - prefix.Bits()

	var count uint64
	if hostBits >= 64 {
		count = 1 << 63 // saturates; only used for size checks
	} else {
		count = uint64(1) << uint(hostBits) //nolint:gosec // G115: hostBits is 0-63 here
	}

	if first.Is4() && hostBits >= 2 {
		first = first.Next()
		last = last.Prev()
		count -= 2
	}
	return hostRange{first: first, last: last, count: count}
}

// lastAddr sets every host bit of a masked prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	if prefix.Addr().Is4() {
		a := prefix.Addr().As4()
		setHostBits(a[:], prefix.Bits())
		return netip.AddrFrom4(a)
	}
	a := prefix.Addr().As16()
	setHostBits(a[:], prefix.Bits())
	return netip.AddrFrom16(a)
}

func setHostBits(b []byte, bits int) {
	for i := range b {
		switch {
		case bits >= 8:
			bits -= 8
		case bits > 0:
			b[i] |= 0xff >> uint(bits) //nolint:gosec // G115: bits is 1-7 here
			bits = 0
		default:
			b[i] = 0xff
		}
	}
}

// parseTarget accepts "10.0.0.0/24" or a bare address (treated as /32 or /128).
func parseTarget(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix.Masked(), nil
	}
	addr, aerr := netip.ParseAddr(s)
	if aerr != nil {
		return netip.Prefix{}, fmt.Errorf("%w %q: expected format like \"192.168.1.0/24\" or \"10.0.0.1\"", ErrInvalidCIDR, s)
	}
	addr = addr.WithZone("")
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Iterator walks the usable hosts of several prefixes without allocating them
type Iterator struct {
	ranges    []hostRange
	current   netip.Addr
	prefixIdx int
	started   bool
}

// NewIterator creates a new iterator from CIDR or IP strings
func NewIterator(cidrs []string) (*Iterator, error) {
	var ranges []hostRange

	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		prefix, err := parseTarget(cidr)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, usable(prefix))
	}

	if len(ranges) == 0 {
		return nil, ErrNoTargets
	}

	return &Iterator{ranges: ranges}, nil
}

// Next returns the next address and true, or the zero address and false when done
func (it *Iterator) Next() (netip.Addr, bool) {
	if it.prefixIdx >= len(it.ranges) {
		return netip.Addr{}, false
	}

	if !it.started {
		it.started = true
		it.current = it.ranges[0].first
		return it.current, true
	}

	if it.current != it.ranges[it.prefixIdx].last {
		it.current = it.current.Next()
		return it.current, true
	}

	it.prefixIdx++
	if it.prefixIdx >= len(it.ranges) {
		return netip.Addr{}, false
	}
	it.current = it.ranges[it.prefixIdx].first
	return it.current, true
}

// Count returns the number of usable addresses (saturating for huge IPv6 prefixes)
func (it *Iterator) Count() uint64 {
	var total uint64
	for _, r := range it.ranges {
		if total+r.count < total {
			return ^uint64(0)
		}
		total += r.count
	}
	return total
}

// Expand materialises the usable host addresses of one CIDR (or a single IP).
// Blocks larger than MaxExpand addresses are rejected with ErrCIDRTooLarge.
func Expand(cidr string) ([]netip.Addr, error) {
	prefix, err := parseTarget(strings.TrimSpace(cidr))
	if err != nil {
		return nil, err
	}

	r := usable(prefix)
	if r.count > MaxExpand {
		return nil, fmt.Errorf("%w: %s has %d usable addresses (max %d)", ErrCIDRTooLarge, prefix, r.count, MaxExpand)
	}

	it := &Iterator{ranges: []hostRange{r}}
	addrs := make([]netip.Addr, 0, it.Count())
	for addr, ok := it.Next(); ok; addr, ok = it.Next() {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// IsCIDR reports whether s looks like a prefix rather than a host.
func IsCIDR(s string) bool {
	return strings.Contains(s, "/")
}

// CIDRSizeInfo holds information about CIDR size
type CIDRSizeInfo struct {
	TotalTargets uint64
	IsVeryLarge  bool
	Warning      string
}

// CheckCIDRSize counts host*port connection attempts and returns a warning for large runs.
// It never rejects a run; Expand enforces the hard cap.
func CheckCIDRSize(cidrs []string, ports int) (*CIDRSizeInfo, error) {
	it, err := NewIterator(cidrs)
	if err != nil {
		return nil, err
	}

	total := it.Count()
	if ports > 0 && total <= ^uint64(0)/uint64(ports) {
		total *= uint64(ports)
	}

	info := &CIDRSizeInfo{TotalTargets: total}

	switch {
	case total > 1000000000: // > 1 billion
		info.IsVeryLarge = true
		info.Warning = fmt.Sprintf("EXTREMELY LARGE SCAN: %d attempts (1000M+). This will take hours and consume significant resources.", total)
	case total > 10000000: // > 10 million
		info.IsVeryLarge = true
		info.Warning = fmt.Sprintf("VERY LARGE SCAN: %d attempts (10M+). Ensure you have adequate resources.", total)
	case total > 100000: // > 100k
		info.Warning = fmt.Sprintf("Large scan: %d attempts (100K+). Consider lowering qps or splitting the target list.", total)
	}

	return info, nil
}

// maxTargetsFile bounds how much of a targets file is read into memory
const maxTargetsFile = 10 * 1024 * 1024

// ParseTargetsFile reads newline-delimited targets. Blank lines and lines
// starting with '#' are ignored. Entries are not validated here since a target
// may be a hostname.
func ParseTargetsFile(filename string) ([]string, error) {
	cleanPath := filepath.Clean(filename)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat targets file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("invalid targets file %s: must be a regular file", cleanPath)
	}

	if info.Size() > maxTargetsFile {
		return nil, fmt.Errorf("targets file too large: maximum size is 10MB")
	}

	//nolint:gosec // G304: reading a user-supplied targets file is the point
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var targets []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}

	return targets, nil
}
