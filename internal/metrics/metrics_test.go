package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/api/v1/farthest", "/api/v1/farthest"},
		{"/api/v1/farthest/batch", "/api/v1/farthest/batch"},
		{"/api/v1/networks", "/api/v1/networks"},
		{"/api/v1/networks/reload", "/api/v1/networks/reload"},
		{"/api/v1/sample", "/api/v1/sample"},
		{"/api/v1/bodies", "/api/v1/bodies"},
		{"/api/v1/stream/solve", "/api/v1/stream/solve"},

		// Parameterized network routes collapse to one label.
		{"/api/v1/networks/kerbin-ksc/farthest", "/api/v1/networks/{name}/farthest"},
		{"/api/v1/networks/dsn/farthest", "/api/v1/networks/{name}/farthest"},

		// Unknown/bot paths collapse to "other".
		{"/", "other"},
		{"/api/v1/networks//farthest", "other"},
		{"/api/v1/networks/a/b/farthest", "other"},
		{"/wp-admin", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 distinct network names produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		label := normalizeRoute("/api/v1/networks/net-" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + "/farthest")
		seen[label] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestHandlerExposesSolveMetrics(t *testing.T) {
	ObserveSolve("pattern_search", 42, 3*time.Millisecond)
	IncCacheHits()
	SetCatalogSize(2, 5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		`farpoint_solve_duration_seconds_count{strategy="pattern_search"}`,
		"farpoint_cache_hits_total",
		"farpoint_catalog_stations 5",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bodies", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
