package api

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/farpoint/internal/auth"
	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/health"
	"github.com/star/farpoint/internal/httputil"
	"github.com/star/farpoint/internal/metrics"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/stream"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr       string
	Auth       auth.Config
	TrustProxy bool
	RateLimit  rate.Limit // solve requests per second per IP
	RateBurst  int
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server. reload is the catalog source
// used by the reload endpoint.
func NewServer(cfg Config, logger *slog.Logger, svc *coverage.Service, pool *coverage.Pool, reload network.Source, streamHandler *stream.Handler) *Server {
	mux := http.NewServeMux()
	limiter := httputil.NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst)
	limited := func(h http.HandlerFunc) http.Handler {
		return limiter.Limit(cfg.TrustProxy, h)
	}

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(svc.Store()))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /api/v1/farthest", limited(farthestHandler(logger, svc)))
	mux.Handle("POST /api/v1/farthest/batch", limited(batchHandler(logger, svc, pool)))
	mux.HandleFunc("GET /api/v1/networks", networksHandler(svc.Store()))
	mux.Handle("GET /api/v1/networks/{name}/farthest", limited(networkFarthestHandler(logger, svc)))
	mux.HandleFunc("POST /api/v1/networks/reload", reloadHandler(logger, svc, reload))
	mux.HandleFunc("GET /api/v1/sample", sampleHandler())
	mux.HandleFunc("GET /api/v1/bodies", bodiesHandler())
	mux.HandleFunc("GET /api/v1/stream/solve", streamHandler.HandleSolve)
	mux.HandleFunc("GET /api/v1/ws/solve", streamHandler.HandleSolveWS)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth)(handler)
	handler = loggingMiddleware(logger, cfg.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(sr.ResponseWriter).Hijack()
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
