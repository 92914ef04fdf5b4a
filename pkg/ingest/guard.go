package ingest

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// ValidatePath resolves path (following symlinks) and confirms it stays
// inside baseDir. Returns the resolved absolute path.
func ValidatePath(baseDir, path string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("%w: no allowed directory configured for file ingestion", domain.ErrConfigurationError)
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfigurationError, err)
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrPathTraversal, path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", domain.ErrPathTraversal, path)
	}
	return resolved, nil
}

// ValidateURL confirms a URL is http(s) and that its host does not
// resolve to a private, loopback, link-local, or otherwise reserved
// address. Called on the initial URL and again on every redirect hop.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", domain.ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", domain.ErrInvalidInput)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return nil, fmt.Errorf("%w: %s resolves to %s", domain.ErrBlockedURL, host, ip)
		}
	}
	return u, nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast() ||
		isReservedIP(ip)
}

// isReservedIP covers ranges the net package helpers miss.
func isReservedIP(ip net.IP) bool {
	reserved := []string{
		"100.64.0.0/10",   // carrier-grade NAT
		"192.0.0.0/24",    // IETF protocol assignments
		"192.0.2.0/24",    // TEST-NET-1
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"240.0.0.0/4",     // reserved for future use
		"100::/64",        // IPv6 discard
		"2001:db8::/32",   // IPv6 documentation
	}
	for _, cidr := range reserved {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
