package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedAddress rejects submissions that would make the daemon talk to
// internal infrastructure.
var ErrBlockedAddress = errors.New("address not allowed")

func blockedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	// 240.0.0.0/4 reserved block
	if v4 := ip.To4(); v4 != nil && v4[0] >= 240 {
		return true
	}
	return false
}

// GuardURL rejects http/ftp URLs whose host resolves to private, loopback,
// link-local, multicast or reserved ranges. The check runs before the probe
// and before any daemon submission. Unresolvable names pass (fail-open): the
// daemon will surface its own failure.
func GuardURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedURL, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrMalformedURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		// advisory on lookup failure
		return nil
	}
	for _, addr := range addrs {
		if blockedIP(addr.IP) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, addr.IP)
		}
	}
	return nil
}
