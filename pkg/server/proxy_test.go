package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProxyMatcherMatchesCIDR(t *testing.T) {
	m := newProxyMatcher([]string{"10.0.0.0/8"}, nil)
	if !m.IsTrusted(net.ParseIP("10.1.2.3")) {
		t.Error("expected 10.1.2.3 to match 10.0.0.0/8")
	}
	if m.IsTrusted(net.ParseIP("192.168.1.1")) {
		t.Error("expected 192.168.1.1 to not match 10.0.0.0/8")
	}
}

func TestProxyMatcherMatchesExactIP(t *testing.T) {
	m := newProxyMatcher([]string{"127.0.0.1"}, nil)
	if !m.IsTrusted(net.ParseIP("127.0.0.1")) {
		t.Error("expected exact IP match")
	}
}

func TestNewProxyMatcherEmptyReturnsNil(t *testing.T) {
	if newProxyMatcher(nil, nil) != nil {
		t.Error("expected nil matcher for empty entries")
	}
}

func TestClientIPFromRequestUntrustedUsesRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	ip := clientIPFromRequest(req, nil)
	if ip.String() != "203.0.113.5" {
		t.Errorf("ip = %v, want 203.0.113.5 (untrusted proxy headers ignored)", ip)
	}
}

func TestClientIPFromRequestTrustedUsesForwardedFor(t *testing.T) {
	trusted := newProxyMatcher([]string{"203.0.113.5"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.5")

	ip := clientIPFromRequest(req, trusted)
	if ip.String() != "198.51.100.9" {
		t.Errorf("ip = %v, want 198.51.100.9 (rightmost untrusted hop)", ip)
	}
}
