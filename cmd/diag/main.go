package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/network"
	"github.com/star/farpoint/internal/relay"
)

// diag solves every network in a station file and prints the worst-served
// point of each. Usage: diag [stations-file] [relay-tle-file]
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx := context.Background()

	var src network.Source = network.NewStaticSource(network.Default())
	path := os.Getenv("FARPOINT_STATIONS_FILE")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path != "" {
		src = network.NewFileSource(path, logger)
	}

	var relays []*relay.Relay
	if len(os.Args) > 2 {
		f, err := os.Open(os.Args[2])
		if err != nil {
			fmt.Println("ERROR opening relay TLE file:", err)
			os.Exit(1)
		}
		relays, err = relay.Parse(f, logger)
		f.Close()
		if err != nil {
			fmt.Println("ERROR parsing relay TLEs:", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded %d relays\n", len(relays))
	}

	svc := coverage.NewService(coverage.Config{
		GridSize:  farthest.DefaultGridSize,
		Tolerance: farthest.DefaultTolerance,
	}, network.NewStore(), cache.New(cache.Config{}), logger)

	catalog, err := svc.Reload(ctx, src)
	if err != nil {
		fmt.Println("ERROR loading catalog:", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d networks, %d stations from %s\n", len(catalog.Networks), catalog.StationCount(), catalog.Source)

	now := time.Now().UTC()
	for _, name := range catalog.Names() {
		n := catalog.Networks[name]
		rep, err := svc.SolveNetwork(ctx, name)
		if err != nil {
			fmt.Printf("  %s: ERROR %s\n", name, err)
			continue
		}
		printReport(name, rep)

		if len(relays) == 0 || !strings.EqualFold(n.Body, "earth") {
			continue
		}
		rep, err = svc.Solve(ctx, coverage.Request{
			Locations: n.Locations(),
			Body:      n.Body,
			Relays:    relays,
			At:        now,
		})
		if err != nil {
			fmt.Printf("  %s+relays: ERROR %s\n", name, err)
			continue
		}
		printReport(name+"+relays", rep)
	}
}

func printReport(name string, rep coverage.Report) {
	lat, lon := rep.Result.Location.Degrees()
	line := fmt.Sprintf("  %s: %d points, %s, farthest (%.4f°, %.4f°) at %.6f rad",
		name, rep.Points, rep.Strategy, lat, lon, rep.Result.DistanceToNearest)
	if rep.Body != nil {
		line += fmt.Sprintf(" = %.1f km on %s", rep.DistanceMeters/1000, rep.Body.Name)
	}
	fmt.Printf("%s (%d iterations, %v)\n", line, rep.Iterations, rep.Duration.Round(time.Microsecond))
}
