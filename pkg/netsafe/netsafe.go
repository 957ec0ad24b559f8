// Package netsafe is the single outbound HTTP path for every web-touching
// component. It rejects requests whose target could reach internal
// infrastructure: non-http(s) schemes, hosts resolving to private or
// loopback addresses, denylisted hosts, and hosts over their per-process
// rate budget. Address checks run both before connect and inside the dialer
// so a DNS answer cannot change between validation and connection.
package netsafe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/textfold"
)

// fetchUserAgent is fixed and carries no deployment-identifying detail.
const fetchUserAgent = "Mozilla/5.0 (compatible)"

// limiterTableSize bounds the number of hosts tracked for rate limiting.
const limiterTableSize = 1024

// Options tune a single fetch. Zero values fall back to the fetcher's
// configured defaults.
type Options struct {
	Method  string        // default GET
	Body    io.Reader     // optional request body
	Timeout time.Duration // overall deadline for the fetch
}

// Result is the outcome of a successful (policy-passing) fetch. Headers are
// never surfaced.
type Result struct {
	Status    int
	Body      []byte
	Truncated bool
}

// Config holds the fetch policy knobs.
type Config struct {
	Denylist     []string      // exact host matches, folded lowercase
	MaxBodyBytes int64         // response size cap; bodies beyond it are truncated
	FetchTimeout time.Duration // default per-fetch deadline
	RatePerHost  float64       // sustained requests per second per host
	BurstPerHost int           // burst allowance per host
}

// Fetcher applies the policy. Safe for concurrent use.
type Fetcher struct {
	cfg      Config
	denied   map[string]struct{}
	limiters *lru.Cache[string, *rate.Limiter]
	client   *http.Client

	// privateAddr is the address rejection predicate; replaced in tests so
	// fetches can reach loopback test servers.
	privateAddr func(net.IP) bool
}

// New builds a Fetcher from cfg.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max body bytes must be positive, got %d", cfg.MaxBodyBytes)
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %s", cfg.FetchTimeout)
	}
	limiters, err := lru.New[string, *rate.Limiter](limiterTableSize)
	if err != nil {
		return nil, fmt.Errorf("create limiter table: %w", err)
	}

	denied := make(map[string]struct{}, len(cfg.Denylist))
	for _, host := range cfg.Denylist {
		denied[textfold.FoldLower(host)] = struct{}{}
	}

	f := &Fetcher{
		cfg:         cfg,
		denied:      denied,
		limiters:    limiters,
		privateAddr: isPrivateAddress,
	}

	dialer := &net.Dialer{
		Timeout: cfg.FetchTimeout,
		// Control sees the address actually being connected to, after DNS
		// resolution, so a rebinding answer is caught here even if the
		// pre-connect check saw only public addresses.
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || f.privateAddr(ip) {
				return errkind.New(errkind.KindHostPrivate, "connection to non-public address %s refused", host)
			}
			return nil
		},
	}
	f.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			// Each redirect hop goes through the full policy again.
			return f.Validate(req.Context(), req.URL.String())
		},
	}
	return f, nil
}

// Validate applies the full rejection policy to rawURL without fetching it.
// A nil return means the URL may be fetched or navigated to.
func (f *Fetcher) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return errkind.New(errkind.KindSchemeForbidden, "not an absolute URL: %q", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errkind.New(errkind.KindSchemeForbidden, "scheme %q is not allowed", u.Scheme)
	}

	host := textfold.FoldLower(u.Hostname())
	if host == "" {
		return errkind.New(errkind.KindSchemeForbidden, "URL has no host: %q", rawURL)
	}
	if _, ok := f.denied[host]; ok {
		return errkind.New(errkind.KindHostDenylisted, "host %s is denylisted", host)
	}

	// A host given as a literal address skips DNS.
	if ip := net.ParseIP(host); ip != nil {
		if f.privateAddr(ip) {
			return errkind.New(errkind.KindHostPrivate, "host %s is a non-public address", host)
		}
		return f.allowRate(host)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return errkind.New(errkind.KindTimeout, "resolve %s: %v", host, err)
	}
	// One private answer poisons the whole host: a mixed answer set is how
	// DNS-rebinding setups look.
	for _, addr := range addrs {
		if f.privateAddr(addr.IP) {
			return errkind.New(errkind.KindHostPrivate, "host %s resolves to non-public address %s", host, addr.IP)
		}
	}
	return f.allowRate(host)
}

// IsBrowserNavigationAllowed applies the same policy before the browser
// automation collaborator is asked to navigate.
func (f *Fetcher) IsBrowserNavigationAllowed(ctx context.Context, rawURL string) error {
	return f.Validate(ctx, rawURL)
}

// Fetch validates rawURL and performs the request. The response body is
// capped at the configured size; a longer body is truncated and marked.
// Only the status and body are surfaced.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if err := f.Validate(ctx, rawURL); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.FetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, opts.Body)
	if err != nil {
		return nil, errkind.New(errkind.KindSchemeForbidden, "build request: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		var kerr *errkind.Error
		if errors.As(err, &kerr) {
			return nil, kerr
		}
		if ctx.Err() != nil {
			return nil, errkind.New(errkind.KindTimeout, "fetch %s: deadline exceeded", rawURL)
		}
		return nil, errkind.New(errkind.KindTimeout, "fetch %s: %v", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the cap to distinguish "exactly at cap" from
	// "truncated".
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.New(errkind.KindTimeout, "read body of %s: deadline exceeded", rawURL)
		}
		return nil, errkind.New(errkind.KindTimeout, "read body of %s: %v", rawURL, err)
	}
	truncated := int64(len(body)) > f.cfg.MaxBodyBytes
	if truncated {
		body = body[:f.cfg.MaxBodyBytes]
	}
	return &Result{Status: resp.StatusCode, Body: body, Truncated: truncated}, nil
}

// allowRate consumes one token from host's limiter.
func (f *Fetcher) allowRate(host string) error {
	if f.cfg.RatePerHost <= 0 {
		return nil
	}
	limiter, ok := f.limiters.Get(host)
	if !ok {
		burst := f.cfg.BurstPerHost
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(f.cfg.RatePerHost), burst)
		// Races with a concurrent add lose a token at worst.
		f.limiters.Add(host, limiter)
	}
	if !limiter.Allow() {
		return errkind.New(errkind.KindRateLimited, "host %s is over its rate budget", host)
	}
	return nil
}

// isPrivateAddress reports addresses the fetcher must never connect to:
// loopback, RFC 1918 / ULA private ranges, link-local, multicast, and the
// unspecified address.
func isPrivateAddress(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
