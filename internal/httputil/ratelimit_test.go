package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPRateLimiterBurst(t *testing.T) {
	l := NewIPRateLimiter(0.001, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("request past burst was allowed")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("other IP shares the exhausted bucket")
	}
	if l.GetLimiter("1.2.3.4") != l.GetLimiter("1.2.3.4") {
		t.Error("GetLimiter returned different limiters for the same IP")
	}
}

func TestIPRateLimiterMiddleware(t *testing.T) {
	l := NewIPRateLimiter(0.001, 1)
	h := l.Limit(false, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/farthest", nil)
	req.RemoteAddr = "10.0.0.9:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
