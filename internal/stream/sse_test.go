package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/network"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func testService() *coverage.Service {
	store := network.NewStore()
	store.Set(network.NewCatalog("test", []network.Network{{
		Name: "tri",
		Body: "Kerbin",
		Stations: []network.Station{
			{Name: "a", Location: geodesy.New(0.1, 0)},
			{Name: "b", Location: geodesy.New(0.1, 2*math.Pi/3)},
			{Name: "c", Location: geodesy.New(0.1, -2*math.Pi/3)},
		},
	}}))
	return coverage.NewService(coverage.Config{Tolerance: 1e-4}, store, cache.New(cache.Config{}), testLogger())
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		KeepaliveInterval:  30 * time.Second,
		WatchInterval:      20 * time.Millisecond,
	}
}

// readMessages parses every "data:" line of an SSE body.
func readMessages(t *testing.T, body string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			t.Errorf("invalid JSON in SSE data line: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// TestSSEMessageFormat verifies the SSE wire format and the message sequence
// metadata, scanning step, refining steps, converged step, result.
func TestSSEMessageFormat(t *testing.T) {
	handler := NewHandler(testService(), testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/solve?network=tri", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.HandleSolve(w, req)

	resp := w.Result()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	body := w.Body.String()
	msgs := readMessages(t, body)
	if len(msgs) < 5 {
		t.Fatalf("got %d messages, want metadata, steps and result", len(msgs))
	}

	meta := msgs[0]
	if meta["type"] != "metadata" || meta["network"] != "tri" || meta["body"] != "Kerbin" || meta["stations"].(float64) != 3 {
		t.Errorf("metadata = %v", meta)
	}
	if msgs[1]["type"] != "step" || msgs[1]["state"] != "scanning" {
		t.Errorf("first step = %v, want scanning", msgs[1])
	}
	conv := msgs[len(msgs)-2]
	if conv["state"] != "converged" {
		t.Errorf("second-to-last message = %v, want converged step", conv)
	}

	result := msgs[len(msgs)-1]
	if result["type"] != "result" || result["strategy"] != "pattern_search" {
		t.Errorf("result = %v", result)
	}
	if lat := result["lat_deg"].(float64); math.Abs(lat+90) > 0.02 {
		t.Errorf("result latitude = %v, want -90", lat)
	}
	if d := result["distance_m"].(float64); math.Abs(d-600000*(math.Pi/2+0.1)) > 200 {
		t.Errorf("result distance_m = %v", d)
	}

	// Objective never decreases across the streamed steps.
	prev := -1.0
	for _, m := range msgs[1 : len(msgs)-1] {
		obj := m["objective_rad"].(float64)
		if obj < prev {
			t.Errorf("objective decreased from %v to %v", prev, obj)
		}
		prev = obj
	}

	// Lines should be "data: ...", "retry: ..." or ":" (keepalive).
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "retry: ") && line != ":" {
			t.Errorf("unexpected SSE line: %q", line)
		}
	}
}

func TestStreamEveryThinsSteps(t *testing.T) {
	svc := testService()
	count := func(query string) int {
		handler := NewHandler(svc, testConfig(), testLogger())
		req := httptest.NewRequest("GET", "/api/v1/stream/solve?network=tri"+query, nil)
		req.RemoteAddr = "127.0.0.1:12345"
		ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
		defer cancel()
		w := httptest.NewRecorder()
		handler.HandleSolve(w, req.WithContext(ctx))
		return len(readMessages(t, w.Body.String()))
	}

	all, thinned := count(""), count("&every=10")
	if thinned >= all {
		t.Errorf("every=10 sent %d messages, unthinned sent %d", thinned, all)
	}
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		st    farthest.Step
		every int
		want  bool
	}{
		{farthest.Step{State: farthest.StateScanning}, 5, true},
		{farthest.Step{State: farthest.StateConverged, Iteration: 7}, 5, true},
		{farthest.Step{State: farthest.StateRefining, Iteration: 5}, 5, true},
		{farthest.Step{State: farthest.StateRefining, Iteration: 6}, 5, false},
		{farthest.Step{State: farthest.StateRefining, Iteration: 6}, 1, true},
	}
	for _, tt := range tests {
		if got := shouldSend(tt.st, tt.every); got != tt.want {
			t.Errorf("shouldSend(%v #%d, %d) = %v, want %v", tt.st.State, tt.st.Iteration, tt.every, got, tt.want)
		}
	}
}

// TestStreamRetracesOnReload verifies a catalog swap triggers a new trace.
func TestStreamRetracesOnReload(t *testing.T) {
	svc := testService()
	handler := NewHandler(svc, testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/solve?network=tri", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), 300*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		svc.Store().Set(network.NewCatalog("reloaded", []network.Network{{
			Name:     "tri",
			Body:     "Mun",
			Stations: []network.Station{{Name: "solo", Location: geodesy.New(0, 0)}},
		}}))
	}()

	w := httptest.NewRecorder()
	handler.HandleSolve(w, req.WithContext(ctx))

	var metas, results []map[string]any
	for _, m := range readMessages(t, w.Body.String()) {
		switch m["type"] {
		case "metadata":
			metas = append(metas, m)
		case "result":
			results = append(results, m)
		}
	}
	if len(metas) != 2 || len(results) != 2 {
		t.Fatalf("got %d metadata and %d result messages, want 2 each", len(metas), len(results))
	}
	if metas[1]["catalog_source"] != "reloaded" || metas[1]["body"] != "Mun" {
		t.Errorf("second metadata = %v", metas[1])
	}
	if results[1]["strategy"] != "antipode" {
		t.Errorf("second result strategy = %v, want antipode", results[1]["strategy"])
	}
}

// TestRateLimiting verifies per-IP concurrent stream limits.
func TestRateLimiting(t *testing.T) {
	limiter := newStreamLimiter(3, 1000)

	var releases []func()
	for i := 0; i < 3; i++ {
		release, ok := limiter.tryAcquire("10.0.0.1")
		if !ok {
			t.Fatalf("acquire %d should succeed", i+1)
		}
		releases = append(releases, release)
	}

	if _, ok := limiter.tryAcquire("10.0.0.1"); ok {
		t.Error("acquire beyond limit should fail")
	}
	if _, ok := limiter.tryAcquire("10.0.0.2"); !ok {
		t.Error("different IP should not be rate limited")
	}

	// Release one (twice; the second call is a no-op) and try again.
	releases[0]()
	releases[0]()
	if c := limiter.active("10.0.0.1"); c != 2 {
		t.Errorf("active after double release = %d, want 2", c)
	}
	if _, ok := limiter.tryAcquire("10.0.0.1"); !ok {
		t.Error("acquire after release should succeed")
	}
	if c := limiter.active("10.0.0.1"); c != 3 {
		t.Errorf("active = %d, want 3", c)
	}
}

func TestRateLimitingGlobalCap(t *testing.T) {
	limiter := newStreamLimiter(5, 2)
	limiter.tryAcquire("10.0.0.1")
	limiter.tryAcquire("10.0.0.2")
	if _, ok := limiter.tryAcquire("10.0.0.3"); ok {
		t.Error("acquire beyond global cap should fail")
	}
}

// TestRateLimitingConcurrent verifies rate limiter thread safety.
func TestRateLimitingConcurrent(t *testing.T) {
	limiter := newStreamLimiter(100, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, ok := limiter.tryAcquire("10.0.0.1"); ok {
				defer release()
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.active("10.0.0.1"); c != 0 {
		t.Errorf("active after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 response when limit exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler := NewHandler(testService(), cfg, testLogger())

	// Hold the first connection open.
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream/solve?network=tri", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		ctx, cancel := context.WithCancel(req.Context())
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(ready)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		handler.HandleSolve(w, req)
	}()

	<-ready

	// Second connection from same IP should get 429.
	req := httptest.NewRequest("GET", "/api/v1/stream/solve?network=tri", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleSolve(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	<-done
}

// TestInvalidQueryParams verifies error responses for bad parameters.
func TestInvalidQueryParams(t *testing.T) {
	handler := NewHandler(testService(), testConfig(), testLogger())

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing network", "", http.StatusBadRequest},
		{"unknown network", "?network=nope", http.StatusNotFound},
		{"every zero", "?network=tri&every=0", http.StatusBadRequest},
		{"every too large", "?network=tri&every=5000", http.StatusBadRequest},
		{"every non-numeric", "?network=tri&every=abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stream/solve"+tt.query, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			handler.HandleSolve(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
