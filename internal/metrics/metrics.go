package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farpoint_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farpoint_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	solveDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farpoint_solve_duration_seconds",
			Help:    "Farthest-point solve duration in seconds.",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"strategy"},
	)

	solveIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farpoint_solve_iterations",
			Help:    "Compass-search refinement iterations per solve.",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		},
		[]string{"strategy"},
	)

	solveErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_solve_errors_total",
			Help: "Solves that failed or were rejected.",
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_cache_hits_total",
			Help: "Result cache hits.",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_cache_misses_total",
			Help: "Result cache misses.",
		},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_cache_evictions_total",
			Help: "Result cache entries evicted.",
		},
	)

	sharedCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farpoint_shared_cache_requests_total",
			Help: "Shared (Redis) result cache lookups and writes by outcome.",
		},
		[]string{"outcome"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_cache_entries",
			Help: "Current number of cached results.",
		},
	)

	catalogNetworks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_catalog_networks",
			Help: "Networks in the loaded station catalog.",
		},
	)

	catalogStations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_catalog_stations",
			Help: "Stations in the loaded station catalog.",
		},
	)

	catalogAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_catalog_age_seconds",
			Help: "Seconds since the station catalog was loaded.",
		},
	)

	catalogReloadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_catalog_reload_errors_total",
			Help: "Failed station catalog reloads.",
		},
	)

	streamConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_stream_connections_active",
			Help: "Open solve-trace SSE streams.",
		},
	)

	streamConnectionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_stream_connections_rejected_total",
			Help: "SSE streams rejected by the per-IP limit.",
		},
	)

	streamEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_stream_events_total",
			Help: "SSE events written.",
		},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farpoint_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter.",
		},
	)

	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farpoint_solver_workers",
			Help: "Configured batch solver workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		solveDurationSeconds,
		solveIterations,
		solveErrorsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheEntries,
		sharedCacheTotal,
		catalogNetworks,
		catalogStations,
		catalogAgeSeconds,
		catalogReloadErrorsTotal,
		streamConnectionsActive,
		streamConnectionsRejected,
		streamEventsTotal,
		rateLimitedTotal,
		workersActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSolve records one completed solve.
func ObserveSolve(strategy string, iterations int, d time.Duration) {
	solveDurationSeconds.WithLabelValues(strategy).Observe(d.Seconds())
	solveIterations.WithLabelValues(strategy).Observe(float64(iterations))
}

func IncSolveErrors()         { solveErrorsTotal.Inc() }
func IncCacheHits()           { cacheHitsTotal.Inc() }
func IncCacheMisses()         { cacheMissesTotal.Inc() }
func AddCacheEvictions(n int) { cacheEvictionsTotal.Add(float64(n)) }
func SetCacheEntries(n int)   { cacheEntries.Set(float64(n)) }

func IncCatalogReloadErrors() { catalogReloadErrorsTotal.Inc() }
func SetCatalogAge(s float64) { catalogAgeSeconds.Set(s) }
func IncStreamRejected()      { streamConnectionsRejected.Inc() }
func IncStreamEvents()        { streamEventsTotal.Inc() }
func IncRateLimited()         { rateLimitedTotal.Inc() }
func SetSolverWorkers(n int)  { workersActive.Set(float64(n)) }
func StreamOpened()           { streamConnectionsActive.Inc() }
func StreamClosed()           { streamConnectionsActive.Dec() }

// IncSharedCache counts a shared cache operation. outcome is one of hit,
// miss, store or error.
func IncSharedCache(outcome string) { sharedCacheTotal.WithLabelValues(outcome).Inc() }

// SetCatalogSize publishes the loaded catalog's size.
func SetCatalogSize(networks, stations int) {
	catalogNetworks.Set(float64(networks))
	catalogStations.Set(float64(stations))
}

// exactRoutes are paths reported verbatim.
var exactRoutes = map[string]bool{
	"/healthz":                true,
	"/readyz":                 true,
	"/metrics":                true,
	"/api/v1/farthest":        true,
	"/api/v1/farthest/batch":  true,
	"/api/v1/networks":        true,
	"/api/v1/networks/reload": true,
	"/api/v1/sample":          true,
	"/api/v1/bodies":          true,
	"/api/v1/stream/solve":    true,
	"/api/v1/ws/solve":        true,
}

// normalizeRoute maps a request path to a bounded set of labels so that
// network names and junk paths cannot blow up metric cardinality.
func normalizeRoute(path string) string {
	if exactRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/networks/"); ok {
		if name, ok := strings.CutSuffix(rest, "/farthest"); ok && name != "" && !strings.Contains(name, "/") {
			return "/api/v1/networks/{name}/farthest"
		}
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer for SSE flushes.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
