package scoring

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrDisallowedHost marks an evaluator/adapter endpoint that points at a
// private, loopback or link-local address. This is a security fault: it is
// raised immediately and never downgraded to a warning.
var ErrDisallowedHost = errors.New("disallowed request target")

// checkURLAllowed rejects non-HTTP schemes and endpoints whose host
// is (or resolves to) a private, loopback or link-local address.
func checkURLAllowed(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid evaluator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrDisallowedHost, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrDisallowedHost)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: %s", ErrDisallowedHost, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if !ipAllowed(ip) {
			return fmt.Errorf("%w: %s", ErrDisallowedHost, host)
		}
		return nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve evaluator host %s: %w", host, err)
	}
	for _, ip := range addrs {
		if !ipAllowed(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrDisallowedHost, host, ip)
		}
	}
	return nil
}

func ipAllowed(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified())
}
