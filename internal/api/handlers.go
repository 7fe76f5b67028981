package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/star/farpoint/internal/body"
	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/relay"
	"github.com/star/farpoint/internal/sampler"
)

const (
	maxRequestBytes = 1 << 20
	maxBatchSize    = 100
	maxSampleCount  = 10000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// solveStatus maps a solve error to an HTTP status.
func solveStatus(err error) int {
	switch {
	case errors.Is(err, coverage.ErrInvalidLocation),
		errors.Is(err, coverage.ErrTooManyPoints),
		errors.Is(err, coverage.ErrUnknownBody),
		errors.Is(err, coverage.ErrRelayBody),
		errors.Is(err, relay.ErrInvalidTLE):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// farthestHandler solves an ad-hoc point set.
// POST /api/v1/farthest
func farthestHandler(logger *slog.Logger, svc *coverage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in farthestRequest
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if in.Tolerance < 0 || math.IsNaN(in.Tolerance) {
			writeError(w, http.StatusBadRequest, "tolerance must be positive")
			return
		}

		req, units, err := in.toRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rep, err := svc.Solve(r.Context(), req)
		if err != nil {
			status := solveStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("solve failed", "component", "api", "error", err)
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newFarthestResponse(rep, units))
	}
}

// networkFarthestHandler solves a catalog network.
// GET /api/v1/networks/{name}/farthest?units=degrees
func networkFarthestHandler(logger *slog.Logger, svc *coverage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		units, err := normalizeUnits(r.URL.Query().Get("units"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rep, err := svc.SolveNetwork(r.Context(), r.PathValue("name"))
		if err != nil {
			status := solveStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("network solve failed", "component", "api", "network", r.PathValue("name"), "error", err)
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newFarthestResponse(rep, units))
	}
}

// batchHandler solves several networks on the worker pool. An empty list
// solves every network in the catalog.
// POST /api/v1/farthest/batch?units=degrees
func batchHandler(logger *slog.Logger, svc *coverage.Service, pool *coverage.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		units, err := normalizeUnits(r.URL.Query().Get("units"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var in batchRequest
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		names := in.Networks
		if len(names) == 0 {
			c := svc.Store().Get()
			if c == nil {
				writeError(w, http.StatusServiceUnavailable, "no station catalog loaded")
				return
			}
			names = c.Names()
		}
		if len(names) > maxBatchSize {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":          "too many networks in batch",
				"max_batch_size": maxBatchSize,
			})
			return
		}

		start := time.Now()
		results := pool.SolveBatch(r.Context(), names)

		items := make([]batchItem, len(results))
		var failed int
		for i, res := range results {
			items[i].Network = res.Network
			if res.Err != nil {
				failed++
				items[i].Error = res.Err.Error()
				continue
			}
			resp := newFarthestResponse(res.Report, units)
			items[i].Result = &resp
		}

		logger.Debug("batch solved",
			"component", "api",
			"networks", len(names),
			"failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		writeJSON(w, http.StatusOK, map[string]any{"results": items})
	}
}

// networksHandler lists the loaded catalog.
// GET /api/v1/networks?units=degrees
func networksHandler(store *network.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		units, err := normalizeUnits(r.URL.Query().Get("units"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c := store.Get()
		if c == nil {
			writeError(w, http.StatusServiceUnavailable, "no station catalog loaded")
			return
		}

		resp := catalogResponse{
			Source:   c.Source,
			LoadedAt: c.LoadedAt.UTC().Format(time.RFC3339),
			Networks: make([]networkResponse, 0, len(c.Networks)),
		}
		for _, name := range c.Names() {
			n := c.Networks[name]
			nr := networkResponse{Name: n.Name, Body: n.Body, Stations: make([]stationResponse, len(n.Stations))}
			for i, s := range n.Stations {
				nr.Stations[i] = stationResponse{Name: s.Name, point: toPoint(s.Location, units)}
			}
			resp.Networks = append(resp.Networks, nr)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// reloadHandler reloads the station catalog from the configured source.
// POST /api/v1/networks/reload
func reloadHandler(logger *slog.Logger, svc *coverage.Service, src network.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			writeError(w, http.StatusNotImplemented, "no reloadable catalog source configured")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
		defer cancel()

		c, err := svc.Reload(ctx, src)
		if err != nil {
			logger.Error("catalog reload failed", "component", "api", "source", src.Name(), "error", err)
			writeError(w, http.StatusBadGateway, "catalog reload failed: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, reloadResponse{
			Source:   c.Source,
			LoadedAt: c.LoadedAt.UTC().Format(time.RFC3339),
			Networks: len(c.Networks),
			Stations: c.StationCount(),
		})
	}
}

// sampleHandler returns the golden-angle spiral used by the solver's scan.
// GET /api/v1/sample?count=N&units=degrees
func sampleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		units, err := normalizeUnits(r.URL.Query().Get("units"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		count := 100
		if v := r.URL.Query().Get("count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxSampleCount {
				writeError(w, http.StatusBadRequest, "invalid count parameter, must be 1-10000")
				return
			}
			count = n
		}

		pts := sampler.Sphere(count)
		resp := sampleResponse{
			Count:         len(pts),
			ResolutionDeg: sampler.Resolution(count) * 180 / math.Pi,
			Points:        make([]point, len(pts)),
		}
		for i, p := range pts {
			resp.Points[i] = toPoint(p, units)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// bodiesHandler lists the bodies networks can sit on.
// GET /api/v1/bodies
func bodiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := body.All()
		resp := make([]bodyResponse, len(all))
		for i, b := range all {
			resp[i] = bodyResponse{Name: b.Name, RadiusM: b.RadiusM, Parent: b.Parent}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
