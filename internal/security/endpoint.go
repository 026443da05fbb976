package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedUpstream wraps every ValidateUpstreamURL rejection.
var ErrBlockedUpstream = errors.New("upstream URL not allowed")

var metadataHosts = map[string]struct{}{
	"metadata.google.internal": {},
	"metadata.google":          {},
	"metadata":                 {},
}

// carrier-grade NAT space is not matched by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateUpstreamURL checks that a configured upstream is a plain http(s)
// URL without embedded credentials that does not reach cloud metadata or
// link-local addresses. Loopback and private ranges are rejected unless
// allowPrivate is set. A hostname is resolved and every address checked.
func ValidateUpstreamURL(ctx context.Context, rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedUpstream)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedUpstream)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials belong in IDENTITY_API_KEY, not the URL", ErrBlockedUpstream)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedUpstream)
	}
	if _, ok := metadataHosts[host]; ok {
		return fmt.Errorf("%w: host %q", ErrBlockedUpstream, host)
	}
	if !allowPrivate && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("%w: host %q", ErrBlockedUpstream, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr, allowPrivate)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrBlockedUpstream, host, err)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr, allowPrivate); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr, allowPrivate bool) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedUpstream)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedUpstream)
	case allowPrivate:
		return nil
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedUpstream)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private address", ErrBlockedUpstream)
	}
	return nil
}
