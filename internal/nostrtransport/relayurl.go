package nostrtransport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	maxRelayURLLen = 200
	// DefaultMaxRelayCount is NormalizeRelayList's truncation cap when
	// the caller passes maxCount <= 0 (e.g. config.MaxPublishRelays
	// left at its zero value).
	DefaultMaxRelayCount = 20
)

var privateHostSuffixes = []string{
	".local",
	".internal",
	".lan",
}

// ValidateRelayURL applies spec.md §6's relay-hint validation: scheme
// must be ws/wss, no embedded userinfo, bounded length, and (unless
// loadTest) the host must not be localhost, end in a private suffix
// (.local/.internal/.lan), or be a literal private/loopback/link-local/
// unspecified IP. Hostnames are not resolved through DNS.
func ValidateRelayURL(raw string, loadTest bool) error {
	if len(raw) > maxRelayURLLen {
		return fmt.Errorf("nostrtransport: relay url too long (%d > %d)", len(raw), maxRelayURLLen)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("nostrtransport: invalid relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("nostrtransport: relay url must be ws:// or wss://, got %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("nostrtransport: relay url must not embed credentials")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("nostrtransport: relay url missing host")
	}

	if loadTest {
		return nil
	}
	if isPrivateHost(u.Hostname()) {
		return fmt.Errorf("nostrtransport: relay host %q is private/local (use --loadtest to allow)", u.Hostname())
	}
	return nil
}

func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" {
		return true
	}
	for _, suffix := range privateHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	return false
}

// NormalizeRelayList validates every entry in raw (dropping invalid
// ones), de-duplicates while preserving order, and truncates to
// maxCount (config.MaxPublishRelays), per spec.md §6. maxCount <= 0
// falls back to DefaultMaxRelayCount.
func NormalizeRelayList(raw []string, loadTest bool, maxCount int) []string {
	if maxCount <= 0 {
		maxCount = DefaultMaxRelayCount
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if ValidateRelayURL(r, loadTest) != nil {
			continue
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
		if len(out) >= maxCount {
			break
		}
	}
	return out
}
