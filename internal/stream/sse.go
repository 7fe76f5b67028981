// Package stream implements Server-Sent Events (SSE) streaming of solver
// traces. Clients connect via GET /api/v1/stream/solve?network=<name> and
// watch the farthest-point search for that network unfold step by step.
//
// SSE message format:
//
//	data: {"type":"step","state":"refining","iteration":12,"lat_deg":-89.9,...}\n\n
//
// First message is always metadata about the network and catalog:
//
//	data: {"type":"metadata","network":"kerbin-dsn","body":"Kerbin","stations":3,...}\n\n
//
// Each trace ends with a "result" message. The connection then stays open;
// when the station catalog is reloaded the network is traced again.
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval while idle.
//
// GET /api/v1/ws/solve offers the same messages over a WebSocket, where the
// client drives solves interactively (see HandleSolveWS). Both transports
// share the concurrent-stream limits.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/httputil"
	"github.com/star/farpoint/internal/metrics"
	"github.com/star/farpoint/internal/network"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 4).
	MaxConcurrent      int           // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	WatchInterval      time.Duration // Catalog change poll interval (default: 5s).
	TrustProxy         bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerIP < 1 {
		c.MaxConcurrentPerIP = 4
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1000
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 5 * time.Second
	}
	return c
}

// Handler manages SSE streaming connections.
type Handler struct {
	svc     *coverage.Service
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(svc *coverage.Service, config Config, logger *slog.Logger) *Handler {
	config = config.withDefaults()
	return &Handler{
		svc:     svc,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger.With("component", "stream"),
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleSolve serves the SSE solve-trace stream.
// GET /api/v1/stream/solve?network=<name>&every=1
func (h *Handler) HandleSolve(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("network")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing network parameter")
		return
	}

	every := 1
	if v := r.URL.Query().Get("every"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid every parameter, must be 1-1000")
			return
		}
		every = n
	}

	store := h.svc.Store()
	if _, err := store.Lookup(name); err != nil {
		writeError(w, http.StatusNotFound, "network not found")
		return
	}

	// Rate limiting: enforce concurrent stream limit per IP.
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, ok := h.limiter.tryAcquire(ip)
	if !ok {
		metrics.IncStreamRejected()
		h.logger.Warn("stream limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.active(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.StreamOpened()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"network", name,
		"every", every,
	)

	c := &client{
		w:      w,
		rc:     http.NewResponseController(w),
		ip:     ip,
		logger: h.logger,
	}

	// Cleanup on disconnect: release the limiter slot and update metrics.
	defer func() {
		release()
		metrics.StreamClosed()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"network", name,
			"messages_sent", c.messagesSent,
			"bytes_sent", c.bytesSent,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	// Set SSE response headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	// Clear the server's default WriteTimeout for this connection.
	if err := c.rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	// Send jittered retry interval (3-7s) to prevent thundering-herd
	// reconnection storms when the server restarts.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	if err := c.rc.Flush(); err != nil {
		h.logger.Warn("streaming not supported", "remote_ip", ip, "error", err)
		return
	}

	ctx := r.Context()
	catalog := store.Get()
	if err := h.trace(ctx, c, catalog, name, every); err != nil {
		h.logRunError(ip, err)
		return
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()
	watch := time.NewTicker(h.config.WatchInterval)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-watch.C:
			current := store.Get()
			if current == catalog {
				continue
			}
			catalog = current
			if err := h.trace(ctx, c, catalog, name, every); err != nil {
				h.logRunError(ip, err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// errNetworkGone ends a stream whose network vanished in a catalog reload.
var errNetworkGone = errors.New("network removed from catalog")

// trace sends metadata, the search steps and the final result for one run.
func (h *Handler) trace(ctx context.Context, c *client, catalog *network.Catalog, name string, every int) error {
	n, err := catalog.Lookup(name)
	if err != nil {
		c.sendJSON(errorMessage{Type: "error", Error: errNetworkGone.Error()})
		return errNetworkGone
	}
	if err := c.sendJSON(newMetadataMessage(catalog, n)); err != nil {
		return err
	}

	var sendErr error
	rep, err := h.svc.TraceNetwork(ctx, name, func(st farthest.Step) {
		if sendErr != nil || !shouldSend(st, every) {
			return
		}
		sendErr = c.sendJSON(newStepMessage(st))
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return err
	}
	return c.sendJSON(newResultMessage(rep))
}

// shouldSend thins refining steps to every Nth iteration. Scanning and
// converged steps are always sent.
func shouldSend(st farthest.Step, every int) bool {
	return st.State != farthest.StateRefining || st.Iteration%every == 0
}

func (h *Handler) logRunError(ip string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
}

// SSE message payload types.

type metadataMessage struct {
	Type          string `json:"type"`
	Network       string `json:"network"`
	Body          string `json:"body"`
	Stations      int    `json:"stations"`
	CatalogSource string `json:"catalog_source"`
	CatalogLoaded string `json:"catalog_loaded_at"`
}

func newMetadataMessage(c *network.Catalog, n network.Network) metadataMessage {
	return metadataMessage{
		Type:          "metadata",
		Network:       n.Name,
		Body:          n.Body,
		Stations:      len(n.Stations),
		CatalogSource: c.Source,
		CatalogLoaded: c.LoadedAt.UTC().Format(time.RFC3339),
	}
}

type stepMessage struct {
	Type      string  `json:"type"`
	State     string  `json:"state"`
	Iteration int     `json:"iteration"`
	LatDeg    float64 `json:"lat_deg"`
	LonDeg    float64 `json:"lon_deg"`
	Objective float64 `json:"objective_rad"`
	StepSize  float64 `json:"step_rad"`
	Move      string  `json:"move,omitempty"`
}

func newStepMessage(st farthest.Step) stepMessage {
	lat, lon := st.Candidate.Degrees()
	msg := stepMessage{
		Type:      "step",
		State:     st.State.String(),
		Iteration: st.Iteration,
		LatDeg:    lat,
		LonDeg:    lon,
		Objective: st.Objective,
		StepSize:  st.StepSize,
	}
	if st.State == farthest.StateRefining {
		msg.Move = st.Move.String()
	}
	return msg
}

type resultMessage struct {
	Type        string  `json:"type"`
	Strategy    string  `json:"strategy"`
	LatDeg      float64 `json:"lat_deg"`
	LonDeg      float64 `json:"lon_deg"`
	DistanceRad float64 `json:"distance_rad"`
	DistanceM   float64 `json:"distance_m,omitempty"`
	Iterations  int     `json:"iterations"`
	DurationMs  float64 `json:"duration_ms"`
}

func newResultMessage(rep coverage.Report) resultMessage {
	lat, lon := rep.Result.Location.Degrees()
	return resultMessage{
		Type:        "result",
		Strategy:    rep.Strategy.String(),
		LatDeg:      lat,
		LonDeg:      lon,
		DistanceRad: rep.Result.DistanceToNearest,
		DistanceM:   rep.DistanceMeters,
		Iterations:  rep.Iterations,
		DurationMs:  float64(rep.Duration.Microseconds()) / 1000,
	}
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
