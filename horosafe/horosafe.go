// Package horosafe holds the input-safety checks sitepoll applies to
// configuration: fetch target URLs (scheme, SSRF), SQL identifiers used as
// destination table names, and bounded body reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// ErrSSRF is returned when a URL targets a private or loopback address.
var ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body exceeds limit")

// reservedTables cannot be used as parser destinations.
var reservedTables = map[string]bool{
	"sources":          true,
	"request_outcomes": true,
	"cleanup_records":  true,
	"source_view":      true,
	"request_view":     true,
	"cleanup_view":     true,
}

// ValidateScheme checks that rawURL parses, uses http or https, and has a host.
func ValidateScheme(rawURL string) error {
	_, err := parseHTTP(rawURL)
	return err
}

// ValidateURL is ValidateScheme plus SSRF prevention: the host must not be,
// or resolve to, a private or loopback address.
func ValidateURL(rawURL string) error {
	u, err := parseHTTP(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// Unresolvable now; the fetch will fail with a transport error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func parseHTTP(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("horosafe: URL has no host")
	}
	return u, nil
}

// ValidateTableName accepts [A-Za-z_][A-Za-z0-9_]* up to 64 characters that
// is neither an internal SQLite name nor one of sitepoll's own tables.
func ValidateTableName(s string) error {
	if err := ValidateColumnName(s); err != nil {
		return err
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "sqlite_") {
		return fmt.Errorf("horosafe: %q uses the reserved sqlite_ prefix", s)
	}
	if reservedTables[lower] {
		return fmt.Errorf("horosafe: %q is a reserved table name", s)
	}
	return nil
}

// ValidateColumnName accepts [A-Za-z_][A-Za-z0-9_]* up to 64 characters.
func ValidateColumnName(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 64 {
		return fmt.Errorf("horosafe: identifier too long (max 64)")
	}
	for i, r := range s {
		if !isIdentChar(r) || (i == 0 && r >= '0' && r <= '9') {
			return fmt.Errorf("horosafe: invalid character %q in identifier %q", r, s)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. It returns the truncated
// data together with ErrTooLarge if the limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
