package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiterBurstAndRefill(t *testing.T) {
	limiter := NewIPRateLimiter(100, 2, time.Minute)
	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatalf("burst requests should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("third immediate request should be limited")
	}
	// A different client has its own bucket.
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("separate client should not share the bucket")
	}
	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("bucket should refill at 100 rps")
	}
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	m := RateLimitMiddleware{Limiter: NewIPRateLimiter(0.001, 1, time.Minute)}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.RemoteAddr = "192.0.2.1:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	m := CORSMiddleware{AllowedOrigins: []string{"https://widget.example.com"}, MaxAge: time.Hour}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/bookings", nil)
	req.Header.Set("Origin", "https://widget.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://widget.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Max-Age") != "3600" {
		t.Fatalf("max-age = %q", rec.Header().Get("Access-Control-Max-Age"))
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	m := CORSMiddleware{AllowedOrigins: []string{"https://widget.example.com"}}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestResourceFromPath(t *testing.T) {
	rt, id := resourceFromPath("/api/v1/bookings/abc-123")
	if rt == nil || *rt != "bookings" {
		t.Fatalf("resource = %v", rt)
	}
	if id == nil || *id != "abc-123" {
		t.Fatalf("id = %v", id)
	}
	if rt, _ := resourceFromPath("/healthz"); rt != nil {
		t.Fatalf("non-resource path must yield nil")
	}
}
