package ratelimit

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		name   string
		addr   string
		prefix int
		want   string
	}{
		{"ipv4 unchanged", "192.0.2.10", 56, "192.0.2.10"},
		{"ipv4-mapped ipv6", "::ffff:192.0.2.10", 56, "192.0.2.10"},
		{"ipv6 masked", "2001:db8:1234:5678::1", 56, "2001:db8:1234:5600::/56"},
		{"ipv6 same allocation", "2001:db8:1234:56ff:abcd::9", 56, "2001:db8:1234:5600::/56"},
		{"ipv6 custom prefix", "2001:db8:1234:5678::1", 64, "2001:db8:1234:5678::/64"},
		{"invalid prefix uses default", "2001:db8:1234:5678::1", 0, "2001:db8:1234:5600::/56"},
		{"zone dropped", "fe80::1%eth0", 64, "fe80::/64"},
		{"garbage passes through", "not-an-ip", 56, "not-an-ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddr(tt.addr, tt.prefix))
		})
	}
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	req.Header.Set("X-Forwarded-For", "198.51.100.99")
	req.Header.Set("X-Real-IP", "198.51.100.98")

	assert.Equal(t, "203.0.113.7", ClientIP(req, nil))
	assert.Equal(t, "203.0.113.7", ClientIP(req, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}))
}

func TestClientIP_TrustedProxy(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}

	tests := []struct {
		name   string
		remote string
		xff    []string
		xri    string
		want   string
	}{
		{"no headers", "10.1.1.1:4321", nil, "", "10.1.1.1"},
		{"single hop", "10.1.1.1:4321", []string{"203.0.113.5"}, "", "203.0.113.5"},
		{"rightmost untrusted hop wins", "10.1.1.1:4321", []string{"198.51.100.1, 203.0.113.5, 10.0.0.2"}, "", "203.0.113.5"},
		{"repeated headers joined", "10.1.1.1:4321", []string{"198.51.100.1", "203.0.113.5"}, "", "203.0.113.5"},
		{"all hops trusted", "10.1.1.1:4321", []string{"10.0.0.3, 10.0.0.2"}, "", "10.1.1.1"},
		{"malformed hop stops the walk", "10.1.1.1:4321", []string{"203.0.113.5, garbage"}, "", "10.1.1.1"},
		{"real ip fallback", "10.1.1.1:4321", nil, " 198.51.100.2 ", "198.51.100.2"},
		{"ipv6 proxy", "[fd00::1]:443", []string{"2001:db8::9"}, "", "2001:db8::9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, ClientIP(req, trusted))
		})
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req, nil))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientIP(req, nil))
}

func TestIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8:aa:bb01::7]:5000"
	cfg := AddrConfig{IPv6Prefix: 56}

	assert.Equal(t, "user:42", Identity(req, "42", cfg))
	assert.Equal(t, "ip:2001:db8:aa:bb00::/56", Identity(req, "", cfg))
}

func TestIdentity_ForwardedThroughTrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:5000"
	req.Header.Set("X-Forwarded-For", "2001:db8:aa:bb01::7")
	cfg := AddrConfig{IPv6Prefix: 56, TrustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}

	assert.Equal(t, "ip:2001:db8:aa:bb00::/56", Identity(req, "", cfg))
}
