package coverage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/relay"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// Three stations 120° apart just north of the equator; the south pole is
// the worst-served point.
var triangle = []geodesy.Location{
	geodesy.New(0.1, 0),
	geodesy.New(0.1, 2*math.Pi/3),
	geodesy.New(0.1, -2*math.Pi/3),
}

func testCatalog() *network.Catalog {
	stations := make([]network.Station, len(triangle))
	for i, l := range triangle {
		stations[i] = network.Station{Name: string(rune('a' + i)), Location: l}
	}
	return network.NewCatalog("test", []network.Network{
		{Name: "tri", Body: "Kerbin", Stations: stations},
		{Name: "solo", Body: "Mun", Stations: stations[:1]},
		{Name: "empty", Body: "Duna"},
	})
}

func testService(t *testing.T) *Service {
	t.Helper()
	store := network.NewStore()
	store.Set(testCatalog())
	return NewService(Config{Workers: 2}, store, cache.New(cache.Config{MaxEntries: 16}), testLogger)
}

func TestSolve(t *testing.T) {
	svc := testService(t)

	rep, err := svc.Solve(context.Background(), Request{Locations: triangle})
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if math.Abs(rep.Result.Location.Latitude+math.Pi/2) > 1e-6 {
		t.Errorf("latitude = %v, want -π/2", rep.Result.Location.Latitude)
	}
	if rep.Strategy != farthest.StrategyPatternSearch {
		t.Errorf("strategy = %v, want pattern_search", rep.Strategy)
	}
	if rep.Iterations == 0 {
		t.Error("expected refinement iterations to be counted")
	}
	if rep.Points != 3 || rep.Cached || rep.Body != nil || rep.DistanceMeters != 0 {
		t.Errorf("report = %+v", rep)
	}

	again, err := svc.Solve(context.Background(), Request{Locations: triangle})
	if err != nil {
		t.Fatalf("second Solve failed: %v", err)
	}
	if !again.Cached {
		t.Error("second identical solve was not served from cache")
	}
	if again.Result != rep.Result || again.Iterations != rep.Iterations {
		t.Errorf("cached report %+v differs from %+v", again, rep)
	}
}

func TestSolveDefaultsConfig(t *testing.T) {
	svc := NewService(Config{GridSize: 1, Tolerance: math.NaN()}, network.NewStore(), cache.New(cache.Config{}), testLogger)
	cfg := svc.Config()
	if cfg.GridSize != farthest.DefaultGridSize || cfg.Tolerance != farthest.DefaultTolerance || cfg.Workers != 1 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestSolveWithBody(t *testing.T) {
	svc := testService(t)
	rep, err := svc.Solve(context.Background(), Request{Locations: triangle[:1], Body: "kerbin"})
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if rep.Body == nil || rep.Body.Name != "Kerbin" {
		t.Fatalf("body = %+v", rep.Body)
	}
	if want := math.Pi * 600000; math.Abs(rep.DistanceMeters-want) > 1e-6 {
		t.Errorf("DistanceMeters = %v, want %v", rep.DistanceMeters, want)
	}
	if rep.Strategy != farthest.StrategyAntipode {
		t.Errorf("strategy = %v, want antipode", rep.Strategy)
	}
}

func TestSolveErrors(t *testing.T) {
	svc := testService(t)
	tooMany := make([]geodesy.Location, MaxPoints+1)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown body", Request{Locations: triangle, Body: "vulcan"}, ErrUnknownBody},
		{"NaN latitude", Request{Locations: []geodesy.Location{geodesy.New(math.NaN(), 0)}}, ErrInvalidLocation},
		{"latitude past pole", Request{Locations: []geodesy.Location{geodesy.New(2, 0)}}, ErrInvalidLocation},
		{"infinite longitude", Request{Locations: []geodesy.Location{geodesy.New(0, math.Inf(1))}}, ErrInvalidLocation},
		{"NaN longitude", Request{Locations: []geodesy.Location{geodesy.New(0, math.NaN())}}, ErrInvalidLocation},
		{"too many points", Request{Locations: tooMany}, ErrTooManyPoints},
		{"relays off earth", Request{Body: "mun", Relays: []*relay.Relay{nil}}, ErrRelayBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Solve(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Solve() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSolveWrapsLongitude(t *testing.T) {
	svc := testService(t)

	wrapped := make([]geodesy.Location, len(triangle))
	for i, l := range triangle {
		wrapped[i] = geodesy.New(l.Latitude, l.Longitude+4*math.Pi)
	}

	want, err := svc.Solve(context.Background(), Request{Locations: triangle})
	if err != nil {
		t.Fatalf("Solve(triangle) failed: %v", err)
	}
	got, err := svc.Solve(context.Background(), Request{Locations: wrapped})
	if err != nil {
		t.Fatalf("Solve(wrapped) failed: %v", err)
	}
	if d := geodesy.Distance(got.Result.Location, want.Result.Location); d > 1e-6 {
		t.Errorf("wrapped input solved to %v, %v away from %v", got.Result.Location, d, want.Result.Location)
	}
	if lon := got.Result.Location.Longitude; lon <= -math.Pi || lon > math.Pi {
		t.Errorf("longitude %v out of (-π, π]", lon)
	}
}

func TestSolveCancelled(t *testing.T) {
	svc := testService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Solve(ctx, Request{Locations: triangle}); !errors.Is(err, context.Canceled) {
		t.Errorf("Solve() error = %v, want context.Canceled", err)
	}
}

func TestSolveWithRelays(t *testing.T) {
	const (
		line1 = "1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9993"
		line2 = "2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495058"
	)
	r, err := relay.New("ISS", line1, line2)
	if err != nil {
		t.Fatalf("relay.New failed: %v", err)
	}
	at := time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
	nadir, err := r.NadirAt(at)
	if err != nil {
		t.Fatalf("NadirAt failed: %v", err)
	}

	svc := testService(t)
	rep, err := svc.Solve(context.Background(), Request{
		Locations: triangle[:1],
		Relays:    []*relay.Relay{r},
		At:        at,
	})
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if rep.Points != 2 || rep.Strategy != farthest.StrategyBisector {
		t.Errorf("report = %+v, want 2 points solved by bisector", rep)
	}
	if rep.Body == nil || rep.Body.Name != "Earth" {
		t.Errorf("relays should default the body to Earth, got %+v", rep.Body)
	}
	d1 := geodesy.Distance(rep.Result.Location, triangle[0])
	d2 := geodesy.Distance(rep.Result.Location, nadir)
	if math.Abs(d1-d2) > 1e-9 {
		t.Errorf("result not equidistant from station and relay nadir: %v vs %v", d1, d2)
	}
}

func TestSolveConcurrentIdentical(t *testing.T) {
	svc := testService(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []farthest.Result
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := svc.Solve(context.Background(), Request{Locations: triangle})
			if err != nil {
				t.Errorf("Solve failed: %v", err)
				return
			}
			mu.Lock()
			results = append(results, rep.Result)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, r := range results[1:] {
		if r != results[0] {
			t.Errorf("concurrent results differ: %+v vs %+v", r, results[0])
		}
	}
	if s := svc.CacheStats(); s.Entries != 1 {
		t.Errorf("cache entries = %d, want 1", s.Entries)
	}
}

func TestSolveNetwork(t *testing.T) {
	svc := testService(t)

	rep, err := svc.SolveNetwork(context.Background(), "tri")
	if err != nil {
		t.Fatalf("SolveNetwork failed: %v", err)
	}
	if rep.Network != "tri" || rep.Body == nil || rep.Body.Name != "Kerbin" {
		t.Errorf("report = %+v", rep)
	}
	if want := 600000 * rep.Result.DistanceToNearest; rep.DistanceMeters != want {
		t.Errorf("DistanceMeters = %v, want %v", rep.DistanceMeters, want)
	}

	empty, err := svc.SolveNetwork(context.Background(), "empty")
	if err != nil {
		t.Fatalf("SolveNetwork(empty) failed: %v", err)
	}
	if empty.Result.DistanceToNearest != geodesy.Unconstrained || empty.DistanceMeters != 0 {
		t.Errorf("empty network report = %+v", empty)
	}

	if _, err := svc.SolveNetwork(context.Background(), "nope"); !errors.Is(err, network.ErrNotFound) {
		t.Errorf("SolveNetwork(nope) error = %v, want ErrNotFound", err)
	}
}

func TestTrace(t *testing.T) {
	svc := testService(t)

	var steps []farthest.Step
	rep, err := svc.TraceNetwork(context.Background(), "tri", func(s farthest.Step) {
		steps = append(steps, s)
	})
	if err != nil {
		t.Fatalf("TraceNetwork failed: %v", err)
	}
	if len(steps) < 3 {
		t.Fatalf("got %d steps", len(steps))
	}
	if steps[0].State != farthest.StateScanning || steps[len(steps)-1].State != farthest.StateConverged {
		t.Errorf("first/last states = %v/%v", steps[0].State, steps[len(steps)-1].State)
	}
	if rep.Iterations != steps[len(steps)-1].Iteration {
		t.Errorf("iterations = %d, want %d", rep.Iterations, steps[len(steps)-1].Iteration)
	}
	if s := svc.CacheStats(); s.Entries != 0 {
		t.Errorf("trace populated the cache: %+v", s)
	}

	// A cancelled trace reports the cancellation and emits nothing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var late int
	if _, err := svc.Trace(ctx, Request{Locations: triangle}, func(farthest.Step) { late++ }); !errors.Is(err, context.Canceled) {
		t.Errorf("Trace() error = %v, want context.Canceled", err)
	}
	if late != 0 {
		t.Errorf("cancelled trace emitted %d steps", late)
	}
}

func TestReloadPurgesCache(t *testing.T) {
	svc := testService(t)
	if _, err := svc.SolveNetwork(context.Background(), "tri"); err != nil {
		t.Fatalf("SolveNetwork failed: %v", err)
	}
	if svc.CacheStats().Entries == 0 {
		t.Fatal("expected a cached entry")
	}

	c, err := svc.Reload(context.Background(), network.NewStaticSource(network.Default()))
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, err := c.Lookup("kerbin-ksc"); err != nil {
		t.Errorf("reloaded catalog missing default network: %v", err)
	}
	if svc.CacheStats().Entries != 0 {
		t.Error("reload did not purge the cache")
	}
	if _, err := svc.SolveNetwork(context.Background(), "tri"); !errors.Is(err, network.ErrNotFound) {
		t.Errorf("old network still resolvable after reload: %v", err)
	}
}
