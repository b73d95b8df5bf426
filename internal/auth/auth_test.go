package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func doRequest(m *Middleware, remoteAddr, key string) int {
	handler := m.RequireAuthFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.RemoteAddr = remoteAddr
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec.Code
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	m := NewMiddleware("", false)
	if code := doRequest(m, "203.0.113.9:1234", ""); code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", code)
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	m := NewMiddleware("secret", false)
	if code := doRequest(m, "203.0.113.9:1234", ""); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestAuthRejectsWrongKey(t *testing.T) {
	m := NewMiddleware("secret", false)
	if code := doRequest(m, "203.0.113.9:1234", "nope"); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestAuthAcceptsKey(t *testing.T) {
	m := NewMiddleware("secret", false)
	if code := doRequest(m, "203.0.113.9:1234", "secret"); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
}

func TestLoopbackBypass(t *testing.T) {
	m := NewMiddleware("secret", true)
	if code := doRequest(m, "127.0.0.1:9999", ""); code != http.StatusOK {
		t.Errorf("expected loopback bypass, got %d", code)
	}
	if code := doRequest(m, "[::1]:9999", ""); code != http.StatusOK {
		t.Errorf("expected IPv6 loopback bypass, got %d", code)
	}

	// Bypass disabled: loopback still needs the key.
	m = NewMiddleware("secret", false)
	if code := doRequest(m, "127.0.0.1:9999", ""); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without bypass, got %d", code)
	}
}
