// Package netguard keeps outbound HTTP away from private and reserved
// networks. Hosts are screened before DNS, and every resolved address is
// checked again at dial time so DNS rebinding cannot slip through.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBlocked is wrapped by every rejection.
var ErrBlocked = errors.New("destination blocked")

// blockedCIDRs is a comprehensive list of RFC special-use IP ranges that
// must never be used as outbound destinations.
var blockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",       // "This" network (RFC 1122)
		"10.0.0.0/8",      // Private-Use (RFC 1918)
		"100.64.0.0/10",   // Shared Address / CGN (RFC 6598)
		"127.0.0.0/8",     // Loopback (RFC 1122)
		"169.254.0.0/16",  // Link-Local (RFC 3927)
		"172.16.0.0/12",   // Private-Use (RFC 1918)
		"192.0.0.0/24",    // IETF Protocol Assignments (RFC 6890)
		"192.0.2.0/24",    // TEST-NET-1 (RFC 5737)
		"192.168.0.0/16",  // Private-Use (RFC 1918)
		"198.18.0.0/15",   // Benchmarking (RFC 2544)
		"198.51.100.0/24", // TEST-NET-2 (RFC 5737)
		"203.0.113.0/24",  // TEST-NET-3 (RFC 5737)
		"224.0.0.0/4",     // Multicast (RFC 5771)
		"240.0.0.0/4",     // Reserved (RFC 1112)
		"::1/128",         // IPv6 Loopback
		"fc00::/7",        // IPv6 Unique Local (RFC 4193)
		"fe80::/10",       // IPv6 Link-Local (RFC 4291)
		"2001:db8::/32",   // IPv6 Documentation (RFC 3849)
		"2001::/32",       // Teredo (RFC 4380), embeds IPv4
		"2002::/16",       // 6to4 (RFC 3056), embeds IPv4
		"64:ff9b::/96",    // NAT64 (RFC 6052), embeds IPv4
		"ff00::/8",        // IPv6 Multicast (RFC 4291)
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

// IsBlockedIP checks if an IP falls within any RFC special-use range.
func IsBlockedIP(ip net.IP) bool {
	// Normalize IPv4-mapped IPv6 (::ffff:x.x.x.x) so IPv4 CIDRs match.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// looksLikeAlternativeIP detects hex (0xA9FEA9FE), dot-separated hex
// (0x7f.0x00.0x00.0x01), octal (0177.0.0.1), and packed decimal
// (2130706433) hostnames used to bypass IP blocklists.
func looksLikeAlternativeIP(host string) bool {
	if len(host) > 2 && (host[:2] == "0x" || host[:2] == "0X") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for _, p := range parts {
			if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
				return true
			}
			if len(p) > 1 && p[0] == '0' && isAllDigits(p) {
				return true
			}
		}
	}
	return isAllDigits(host)
}

func isAllDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Guard validates outbound destinations. The zero value blocks every
// special-use range.
type Guard struct {
	// AllowPrivate disables the range checks. Only for local development
	// and tests; alternative IP encodings are still rejected.
	AllowPrivate bool

	DialTimeout time.Duration
	Resolver    *net.Resolver
}

// ValidateHost performs pre-connection validation of a host string.
func (g *Guard) ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}
	if looksLikeAlternativeIP(host) {
		return fmt.Errorf("%w: host uses alternative IP encoding", ErrBlocked)
	}
	if g.AllowPrivate {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && IsBlockedIP(ip) {
		return fmt.Errorf("%w: host %s is in a blocked IP range", ErrBlocked, host)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: host %s is loopback", ErrBlocked, host)
	}
	return nil
}

// ValidateURL checks scheme and host of rawURL. Post-DNS checks happen in
// DialContext.
func (g *Guard) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrBlocked, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", ErrBlocked)
	}
	if err := g.ValidateHost(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// DialContext resolves DNS and validates every resolved IP before
// connecting to the first one directly, so the address cannot change
// between check and connect.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	if !g.AllowPrivate {
		for _, ip := range ips {
			if IsBlockedIP(ip.IP) {
				return nil, fmt.Errorf("%w: %s resolves to %s (private/reserved range)", ErrBlocked, host, ip.IP)
			}
		}
	}

	timeout := g.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// Client returns an HTTP client that dials through the guard and re-checks
// every redirect target.
func (g *Guard) Client(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         g.DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               nil,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			if _, err := g.ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		},
	}
}
