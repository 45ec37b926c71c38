package support

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mavilabart/pidgeon/internal/apperr"
)

// SafeFetcher performs outbound HTTP calls to LNURL-pay callback and
// verify endpoints, refusing anything that looks like an SSRF vector,
// and trips a circuit breaker per target host after repeated failures
// — the same defensive-outbound-call shape kubernaut wraps its
// external provider HTTP calls in.
type SafeFetcher struct {
	client    *http.Client
	loadTest  bool
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewSafeFetcher builds a fetcher with the given request timeout.
func NewSafeFetcher(timeout time.Duration, loadTest bool) *SafeFetcher {
	return &SafeFetcher{
		client:   &http.Client{Timeout: timeout},
		loadTest: loadTest,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *SafeFetcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "support-fetch:" + host,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	f.breakers[host] = cb
	return cb
}

// ValidateOutboundURL rejects credentials-in-URL, non-https (unless
// loadtest), and hostnames that resolve to localhost/.local/.internal
// or a private/CGNAT address — spec.md §4.8's SSRF defense.
func (f *SafeFetcher) ValidateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.Validationf("support.fetch", "invalid url: %v", err)
	}
	if u.User != nil {
		return apperr.Validationf("support.fetch", "url must not embed credentials")
	}
	if u.Scheme != "https" && !(f.loadTest && u.Scheme == "http") {
		return apperr.Validationf("support.fetch", "url must be https")
	}
	host := u.Hostname()
	if host == "" {
		return apperr.Validationf("support.fetch", "url missing host")
	}
	if f.loadTest {
		return nil
	}
	if isForbiddenHost(host) {
		return apperr.Validationf("support.fetch", "host %q is not allowed", host)
	}
	return nil
}

func isForbiddenHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" {
		return true
	}
	for _, suffix := range []string{".local", ".internal"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	ips := resolveHost(host)
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return true
		}
		if isCGNAT(ip) {
			return true
		}
	}
	return false
}

func resolveHost(host string) []net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	return addrs
}

// isCGNAT reports whether ip is in the 100.64.0.0/10 carrier-grade NAT
// range, which net.IP.IsPrivate doesn't cover.
func isCGNAT(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127
}

// GetJSON issues a GET to rawURL (after validation + circuit breaker)
// and decodes the JSON body into dst.
func (f *SafeFetcher) GetJSON(ctx context.Context, rawURL string, dst any) error {
	if err := f.ValidateOutboundURL(rawURL); err != nil {
		return err
	}
	host := mustHost(rawURL)
	_, err := f.breakerFor(host).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return f.doJSON(req, dst)
	})
	if err != nil {
		return apperr.TransientIO("support.fetch.GetJSON", err)
	}
	return nil
}

// PostJSON issues a POST with an url-encoded body to rawURL (after
// validation + circuit breaker) and decodes the JSON response into dst.
func (f *SafeFetcher) PostJSON(ctx context.Context, rawURL string, form url.Values, dst any) error {
	if err := f.ValidateOutboundURL(rawURL); err != nil {
		return err
	}
	host := mustHost(rawURL)
	_, err := f.breakerFor(host).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return f.doJSON(req, dst)
	})
	if err != nil {
		return apperr.TransientIO("support.fetch.PostJSON", err)
	}
	return nil
}

func (f *SafeFetcher) doJSON(req *http.Request, dst any) (any, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("support.fetch: %s returned status %d", req.URL.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, nil
	}
	return nil, json.Unmarshal(body, dst)
}

func mustHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
