// Package coverage answers "where is the worst-served point?" for ad-hoc
// point sets and for named station networks. It layers caching, request
// collapsing, relay satellites and body-aware distances on top of the pure
// solver in package farthest.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/star/farpoint/internal/body"
	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/metrics"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/relay"
)

// MaxPoints bounds the number of coverage points in a single solve.
const MaxPoints = 10000

var (
	// ErrInvalidLocation reports a non-finite or out-of-range input point.
	ErrInvalidLocation = errors.New("invalid location")
	// ErrTooManyPoints reports a request above MaxPoints.
	ErrTooManyPoints = errors.New("too many points")
	// ErrUnknownBody reports a body name missing from the body catalog.
	ErrUnknownBody = errors.New("unknown body")
	// ErrRelayBody reports relay satellites requested for a body other than Earth.
	ErrRelayBody = errors.New("relay satellites are only supported for earth")
)

// Config holds solver configuration loaded from environment variables.
type Config struct {
	GridSize  int
	Tolerance float64
	Workers   int
}

// Request is a single solve.
type Request struct {
	Locations []geodesy.Location
	// Body, when set, enables linear distances in the report.
	Body string
	// Tolerance overrides the configured tolerance when positive.
	Tolerance float64
	// Relays contribute their nadir points at At as extra coverage points.
	Relays []*relay.Relay
	At     time.Time
}

// Report is the outcome of a solve.
type Report struct {
	Network    string
	Result     farthest.Result
	Strategy   farthest.Strategy
	Iterations int
	Points     int
	Duration   time.Duration
	Cached     bool
	// Body is nil when the request named none.
	Body *body.Body
	// DistanceMeters is the surface distance on Body, or 0 without one.
	DistanceMeters float64
}

// Service runs solves against the current station catalog.
type Service struct {
	cfg    Config
	store  *network.Store
	cache  *cache.ResultCache
	shared cache.Shared
	group  singleflight.Group
	logger *slog.Logger
}

// sharedTimeout bounds each shared cache round trip so a slow Redis never
// holds up a solve for long.
const sharedTimeout = 250 * time.Millisecond

// NewService creates a Service. Unusable grid or tolerance settings fall
// back to the solver defaults.
func NewService(cfg Config, store *network.Store, results *cache.ResultCache, logger *slog.Logger) *Service {
	if cfg.GridSize < 2 {
		cfg.GridSize = farthest.DefaultGridSize
	}
	if !(cfg.Tolerance > 0) || math.IsInf(cfg.Tolerance, 0) {
		cfg.Tolerance = farthest.DefaultTolerance
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		cache:  results,
		logger: logger.With("component", "coverage"),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Store returns the catalog store the service reads networks from.
func (s *Service) Store() *network.Store {
	return s.store
}

// WithSharedCache adds a cache tier consulted after the in-process cache
// misses. Shared cache failures are logged and otherwise ignored.
func (s *Service) WithSharedCache(sh cache.Shared) *Service {
	s.shared = sh
	return s
}

// CacheStats returns result cache statistics.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Solve finds the worst-served point for req. Identical concurrent solves
// share one computation, and repeated ones are answered from the cache.
func (s *Service) Solve(ctx context.Context, req Request) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	pending, err := s.prepare(req)
	if err != nil {
		metrics.IncSolveErrors()
		return Report{}, err
	}

	key := cache.Fingerprint(pending.points, s.cfg.GridSize, pending.tolerance)
	if e, ok := s.cache.Get(key); ok {
		return pending.report(e.Result, e.Iterations, 0, true), nil
	}

	// The flight outlives any single caller, so shared cache calls must not
	// inherit a caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(strconv.FormatUint(uint64(key), 16), func() (any, error) {
		if e, ok := s.sharedGet(flightCtx, key); ok {
			s.cache.Put(key, e)
			return flight{entry: e, cached: true}, nil
		}
		e := s.run(pending, nil)
		s.cache.Put(key, e)
		s.sharedPut(flightCtx, key, e)
		return flight{entry: e}, nil
	})

	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		f := res.Val.(flight)
		if f.cached {
			return pending.report(f.entry.Result, f.entry.Iterations, 0, true), nil
		}
		return pending.report(f.entry.Result, f.entry.Iterations, time.Since(f.entry.GeneratedAt), false), nil
	}
}

// flight is the value shared by collapsed solves.
type flight struct {
	entry  cache.Entry
	cached bool
}

func (s *Service) sharedGet(ctx context.Context, key cache.Key) (cache.Entry, bool) {
	if s.shared == nil {
		return cache.Entry{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, sharedTimeout)
	defer cancel()

	e, ok, err := s.shared.Get(ctx, key)
	if err != nil {
		s.logger.Warn("shared cache lookup failed", "error", err)
		return cache.Entry{}, false
	}
	return e, ok
}

func (s *Service) sharedPut(ctx context.Context, key cache.Key, e cache.Entry) {
	if s.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sharedTimeout)
	defer cancel()

	if err := s.shared.Put(ctx, key, e); err != nil {
		s.logger.Warn("shared cache store failed", "error", err)
	}
}

// SolveNetwork solves for the stations of a catalog network.
func (s *Service) SolveNetwork(ctx context.Context, name string) (Report, error) {
	n, err := s.store.Lookup(name)
	if err != nil {
		return Report{}, fmt.Errorf("network %q: %w", name, err)
	}
	rep, err := s.Solve(ctx, Request{Locations: n.Locations(), Body: n.Body})
	if err != nil {
		return Report{}, fmt.Errorf("network %q: %w", name, err)
	}
	rep.Network = n.Name
	return rep, nil
}

// Trace runs an uncached solve and calls fn synchronously with every search
// step. Steps produced after ctx is done are dropped.
func (s *Service) Trace(ctx context.Context, req Request, fn func(farthest.Step)) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	pending, err := s.prepare(req)
	if err != nil {
		metrics.IncSolveErrors()
		return Report{}, err
	}

	e := s.run(pending, func(st farthest.Step) {
		if ctx.Err() == nil {
			fn(st)
		}
	})
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	return pending.report(e.Result, e.Iterations, time.Since(e.GeneratedAt), false), nil
}

// TraceNetwork is Trace for a catalog network.
func (s *Service) TraceNetwork(ctx context.Context, name string, fn func(farthest.Step)) (Report, error) {
	n, err := s.store.Lookup(name)
	if err != nil {
		return Report{}, fmt.Errorf("network %q: %w", name, err)
	}
	rep, err := s.Trace(ctx, Request{Locations: n.Locations(), Body: n.Body}, fn)
	if err != nil {
		return Report{}, fmt.Errorf("network %q: %w", name, err)
	}
	rep.Network = n.Name
	return rep, nil
}

// Reload swaps in a catalog from src and drops cached results.
func (s *Service) Reload(ctx context.Context, src network.Source) (*network.Catalog, error) {
	c, err := s.store.Reload(ctx, src, s.logger)
	if err != nil {
		metrics.IncCatalogReloadErrors()
		return nil, err
	}
	purged := s.cache.Purge()
	metrics.SetCatalogSize(len(c.Networks), c.StationCount())
	s.logger.Debug("result cache purged after reload", "entries_removed", purged)
	return c, nil
}

// pending is a validated request ready to run.
type pending struct {
	points    []geodesy.Location
	tolerance float64
	body      *body.Body
}

func (s *Service) prepare(req Request) (pending, error) {
	p := pending{tolerance: s.cfg.Tolerance}
	if req.Tolerance > 0 && !math.IsInf(req.Tolerance, 0) {
		p.tolerance = req.Tolerance
	}

	bodyName := req.Body
	if len(req.Relays) > 0 {
		if bodyName == "" {
			bodyName = "earth"
		}
		if !strings.EqualFold(strings.TrimSpace(bodyName), "earth") {
			return pending{}, ErrRelayBody
		}
	}
	if bodyName != "" {
		b, ok := body.Lookup(bodyName)
		if !ok {
			return pending{}, fmt.Errorf("%w: %q", ErrUnknownBody, bodyName)
		}
		p.body = &b
	}

	if n := len(req.Locations) + len(req.Relays); n > MaxPoints {
		return pending{}, fmt.Errorf("%w: %d > %d", ErrTooManyPoints, n, MaxPoints)
	}
	p.points = make([]geodesy.Location, 0, len(req.Locations)+len(req.Relays))
	for i, l := range req.Locations {
		if err := validate(l); err != nil {
			return pending{}, fmt.Errorf("location %d: %w", i, err)
		}
		l.Longitude = geodesy.WrapAngle(l.Longitude)
		p.points = append(p.points, l)
	}
	if len(req.Relays) > 0 {
		at := req.At
		if at.IsZero() {
			at = time.Now()
		}
		nadirs, err := relay.NadirPoints(req.Relays, at)
		if err != nil {
			return pending{}, err
		}
		p.points = append(p.points, nadirs...)
	}
	return p, nil
}

// validate rejects points the solver cannot place: NaN, infinities and
// latitudes outside [-π/2, π/2]. Any finite longitude is accepted; prepare
// wraps it into (-π, π] so equivalent inputs share a cache key.
func validate(l geodesy.Location) error {
	if !(l.Latitude >= -math.Pi/2 && l.Latitude <= math.Pi/2) {
		return fmt.Errorf("%w: latitude %v", ErrInvalidLocation, l.Latitude)
	}
	if math.IsNaN(l.Longitude) || math.IsInf(l.Longitude, 0) {
		return fmt.Errorf("%w: longitude %v", ErrInvalidLocation, l.Longitude)
	}
	return nil
}

// run executes the solver and records metrics. observer may be nil.
func (s *Service) run(p pending, observer func(farthest.Step)) cache.Entry {
	var iterations int
	opts := farthest.Options{
		GridSize:  s.cfg.GridSize,
		Tolerance: p.tolerance,
		Observer: func(st farthest.Step) {
			iterations = st.Iteration
			if observer != nil {
				observer(st)
			}
		},
	}

	start := time.Now()
	res := farthest.SolveWith(p.points, opts)
	d := time.Since(start)

	strategy := farthest.StrategyFor(len(p.points))
	metrics.ObserveSolve(strategy.String(), iterations, d)
	s.logger.Debug("solve complete",
		"strategy", strategy.String(),
		"points", len(p.points),
		"iterations", iterations,
		"distance", res.DistanceToNearest,
		"duration_ms", d.Milliseconds(),
	)
	return cache.Entry{Result: res, Iterations: iterations, GeneratedAt: start}
}

func (p pending) report(res farthest.Result, iterations int, d time.Duration, cached bool) Report {
	rep := Report{
		Result:     res,
		Strategy:   farthest.StrategyFor(len(p.points)),
		Iterations: iterations,
		Points:     len(p.points),
		Duration:   d,
		Cached:     cached,
		Body:       p.body,
	}
	if p.body != nil && len(p.points) > 0 {
		rep.DistanceMeters = p.body.Linear(res.DistanceToNearest)
	}
	return rep
}
