// Package safeurl vets untrusted URLs before any network contact is made on
// their behalf. It enforces scheme and host policy, resolves hostnames under
// a bounded timeout, and rejects any target whose resolved addresses land in
// private, loopback, link-local, or otherwise non-routable space. Validated
// targets carry their resolved address set so callers can pin the eventual
// connection instead of re-resolving.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Reason identifies why a candidate URL was rejected.
type Reason string

const (
	ReasonInvalidURL        Reason = "invalid_url"
	ReasonInvalidScheme     Reason = "invalid_scheme"
	ReasonBlockedIP         Reason = "blocked_ip"
	ReasonRedirectHostBlock Reason = "redirect_host_block"
	ReasonDNSTimeout        Reason = "dns_timeout"
	ReasonDNSResolveFailed  Reason = "dns_resolve_failed"
)

// Rejection is the error returned for any candidate that fails policy.
type Rejection struct {
	Reason Reason
	Host   string
}

func (r *Rejection) Error() string {
	if r.Host == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Host)
}

// AsRejection unwraps err into a *Rejection when it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Target is a URL that passed every policy check. Addrs is never empty and
// every member independently passed the address block list.
type Target struct {
	URL    *url.URL
	Scheme string
	Host   string
	Addrs  []netip.Addr
}

// Port returns the explicit port or the scheme default.
func (t *Target) Port() string {
	if p := t.URL.Port(); p != "" {
		return p
	}
	if t.Scheme == "https" {
		return "443"
	}
	return "80"
}

// DialAddrs returns the pinned ip:port endpoints for this target, in
// resolution order.
func (t *Target) DialAddrs() []string {
	out := make([]string, 0, len(t.Addrs))
	for _, a := range t.Addrs {
		out = append(out, net.JoinHostPort(a.String(), t.Port()))
	}
	return out
}

// LookupFunc resolves a hostname to IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Validator applies the URL admission policy.
type Validator struct {
	lookup            LookupFunc
	dnsTimeout        time.Duration
	allowPrivateHosts bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithLookup replaces the DNS resolver, mainly for tests.
func WithLookup(fn LookupFunc) Option {
	return func(v *Validator) { v.lookup = fn }
}

// WithDNSTimeout bounds hostname resolution.
func WithDNSTimeout(d time.Duration) Option {
	return func(v *Validator) { v.dnsTimeout = d }
}

// WithAllowPrivateHosts disables the address block list. Only for tests that
// need to target loopback listeners.
func WithAllowPrivateHosts() Option {
	return func(v *Validator) { v.allowPrivateHosts = true }
}

// New builds a Validator with the system resolver and a 2s DNS bound.
func New(opts ...Option) *Validator {
	v := &Validator{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
		dnsTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks raw against the full admission policy. When requiredHost is
// non-empty the candidate's host must additionally be same-site with it,
// which is how redirect and in-page navigation targets are re-vetted against
// the originally requested host. The checks fail closed: any ambiguity is a
// rejection.
func (v *Validator) Validate(ctx context.Context, raw string, requiredHost string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, &Rejection{Reason: ReasonInvalidURL}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &Rejection{Reason: ReasonInvalidScheme, Host: u.Hostname()}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, &Rejection{Reason: ReasonInvalidURL}
	}

	// localhost never even reaches resolution.
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		if !v.allowPrivateHosts {
			return nil, &Rejection{Reason: ReasonBlockedIP, Host: host}
		}
	}

	if requiredHost != "" && !SameSite(host, requiredHost) {
		return nil, &Rejection{Reason: ReasonRedirectHostBlock, Host: host}
	}

	if addr, perr := netip.ParseAddr(host); perr == nil {
		addr = addr.Unmap()
		if !v.allowPrivateHosts && addrBlocked(addr) {
			return nil, &Rejection{Reason: ReasonBlockedIP, Host: host}
		}
		return &Target{URL: u, Scheme: scheme, Host: host, Addrs: []netip.Addr{addr}}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	addrs, err := v.lookup(rctx, host)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, &Rejection{Reason: ReasonDNSTimeout, Host: host}
		}
		return nil, &Rejection{Reason: ReasonDNSResolveFailed, Host: host}
	}
	if len(addrs) == 0 {
		return nil, &Rejection{Reason: ReasonDNSResolveFailed, Host: host}
	}

	resolved := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		// One blocked address blocks the whole target.
		if !v.allowPrivateHosts && addrBlocked(addr) {
			return nil, &Rejection{Reason: ReasonBlockedIP, Host: host}
		}
		resolved = append(resolved, addr)
	}

	return &Target{URL: u, Scheme: scheme, Host: host, Addrs: resolved}, nil
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	// Multicast plus everything reserved above it.
	netip.MustParsePrefix("224.0.0.0/3"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// addrBlocked reports whether addr falls in any range we refuse to contact.
// IPv4-mapped IPv6 addresses are unwrapped so they cannot dodge the v4 rules.
func addrBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SameSite reports whether candidate may stand in for required during a
// redirect: identical host, subdomain, superdomain, or a shared registrable
// domain.
func SameSite(candidate, required string) bool {
	c := strings.ToLower(strings.TrimSuffix(candidate, "."))
	r := strings.ToLower(strings.TrimSuffix(required, "."))
	if c == "" || r == "" {
		return false
	}
	if c == r {
		return true
	}
	if strings.HasSuffix(c, "."+r) || strings.HasSuffix(r, "."+c) {
		return true
	}
	cd, rd := registrableDomain(c), registrableDomain(r)
	return cd != "" && cd == rd
}

// countrySecondLevel holds short labels that commonly sit directly under a
// two-letter country TLD (co.uk, com.au, ac.jp, ...).
var countrySecondLevel = map[string]struct{}{
	"co": {}, "com": {}, "net": {}, "org": {},
	"gov": {}, "edu": {}, "ac": {}, "mil": {},
}

// registrableDomain approximates the registrable portion of a hostname: the
// last two labels, or the last three when the second-to-last is a short
// country-style label under a two-letter TLD. Deliberately not a full public
// suffix list; tightening it would change which redirects are admitted.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	tld := labels[len(labels)-1]
	sld := labels[len(labels)-2]
	if len(labels) >= 3 && len(tld) == 2 {
		if _, ok := countrySecondLevel[sld]; ok {
			return strings.Join(labels[len(labels)-3:], ".")
		}
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
