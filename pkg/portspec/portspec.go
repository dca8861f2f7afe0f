// pkg/portspec/portspec.go
// Port list/range parsing and the curated top-ports list

package portspec

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Parse errors, wrapped in *TokenError
var (
	ErrInvalidToken       = errors.New("invalid port token")
	ErrZeroPort           = errors.New("port 0 is not scannable")
	ErrRangeOrderInverted = errors.New("range start is greater than end")
	ErrEmptySpec          = errors.New("port spec yields no ports")
)

// TokenError names the token that failed to parse.
type TokenError struct {
	Token string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("port spec token %q: %v", e.Token, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Set is a strictly ascending list of unique ports in 1..65535.
type Set []uint16

// String renders the set as a comma list, collapsing consecutive runs into ranges.
func (s Set) String() string {
	var b strings.Builder
	for i := 0; i < len(s); {
		j := i
		for j+1 < len(s) && s[j+1] == s[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(s[i])))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(int(s[j])))
		}
		i = j + 1
	}
	return b.String()
}

// Parse turns "22,80,443" or "1-1024,8080" into a sorted, deduplicated Set.
// Whitespace around tokens is ignored and empty tokens are skipped.
func Parse(spec string) (Set, error) {
	ports, err := ParseList(spec)
	if err != nil {
		return nil, err
	}
	slices.Sort(ports)
	return Set(ports), nil
}

// ParseList accepts the same syntax as Parse but keeps ports in the order
// they are written, dropping later duplicates.
func ParseList(spec string) ([]uint16, error) {
	var ports []uint16
	seen := make(map[uint16]struct{})
	add := func(p uint16) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if start, end, ok := strings.Cut(part, "-"); ok {
			lo, err := parsePort(part, start)
			if err != nil {
				return nil, err
			}
			hi, err := parsePort(part, end)
			if err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, &TokenError{Token: part, Err: ErrRangeOrderInverted}
			}
			for p := int(lo); p <= int(hi); p++ {
				add(uint16(p))
			}
			continue
		}

		p, err := parsePort(part, part)
		if err != nil {
			return nil, err
		}
		add(p)
	}

	if len(ports) == 0 {
		return nil, ErrEmptySpec
	}
	return ports, nil
}

func parsePort(token, s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, &TokenError{Token: token, Err: ErrInvalidToken}
	}
	if n == 0 {
		return 0, &TokenError{Token: token, Err: ErrZeroPort}
	}
	return uint16(n), nil
}

var curated = [...]uint16{
	21, 22, 23, 25, 53, 80, 110, 123, 135, 139, 143, 389, 443, 445, 465, 500, 587, 636, 993,
	995, 1080, 1194, 1352, 1433, 1521, 1723, 2049, 2375, 2376, 3000, 3128, 3268, 3306, 3389,
	4444, 4500, 5000, 5060, 5432, 5601, 5671, 5672, 5900, 5985, 5986, 6379, 7001, 7002, 8000,
	8080, 8081, 8200, 8443, 8500, 8530, 8888, 9000, 9092, 9200, 9300, 9418, 9999, 10000,
	11211, 15672, 27017,
}

// CuratedLen is the number of entries Top can return.
const CuratedLen = len(curated)

// Top returns the first n entries of the curated list, in list order.
// n is capped at CuratedLen; n <= 0 yields an empty set.
func Top(n int) Set {
	if n <= 0 {
		return Set{}
	}
	n = min(n, len(curated))
	out := make(Set, n)
	copy(out, curated[:n])
	return out
}

// Default is the port set used when neither a spec nor a top count is given.
func Default() Set {
	return Top(64)
}
