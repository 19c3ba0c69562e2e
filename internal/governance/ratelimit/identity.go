package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultIPv6Prefix groups IPv6 clients by allocation so a host cannot get a
// fresh window for every address it owns.
const DefaultIPv6Prefix = 56

// AddrConfig controls how the client address of an anonymous request is
// derived.
type AddrConfig struct {
	IPv6Prefix int
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Forwarding headers from anyone else are ignored.
	TrustedProxies []netip.Prefix
}

// Identity returns the rate-limit key for a request: the authenticated
// principal when there is one, otherwise the normalized client address.
func Identity(r *http.Request, principal string, cfg AddrConfig) string {
	if principal != "" {
		return "user:" + principal
	}
	return "ip:" + NormalizeAddr(ClientIP(r, cfg.TrustedProxies), cfg.IPv6Prefix)
}

// NormalizeAddr unmaps IPv4-in-IPv6 and masks IPv6 addresses to prefix bits.
// Unparseable input is returned unchanged.
func NormalizeAddr(addr string, prefix int) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	ip = ip.Unmap()
	if ip.Is4() {
		return ip.String()
	}
	if prefix <= 0 || prefix > 128 {
		prefix = DefaultIPv6Prefix
	}
	p, err := ip.WithZone("").Prefix(prefix)
	if err != nil {
		return ip.String()
	}
	return p.String()
}

// ClientIP extracts the client address. Forwarding headers are only read
// when the socket peer is a trusted proxy; X-Forwarded-For is then walked
// from the right and the first hop that is not itself trusted wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				// A malformed entry ends the trusted chain.
				return peer
			}
			if !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return peer
}

func isTrusted(addr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap().WithZone("")
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
