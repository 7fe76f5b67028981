package network

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/star/farpoint/internal/body"
	"github.com/star/farpoint/internal/geodesy"
)

// Parse reads a station catalog in line format:
//
//	# comment
//	network <name> <body>
//	<station> <lat°> <lon°> [alt m]
//
// Station lines belong to the most recent network header. Malformed lines,
// stations outside any valid block and networks on unknown bodies are
// skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]Network, error) {
	scanner := bufio.NewScanner(r)

	var (
		networks []Network
		current  = -1 // index into networks, -1 when no valid block is open
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "network" {
			current = -1
			if len(fields) != 3 {
				logger.Warn("skipping malformed network header", "line", lineNo)
				continue
			}
			b, ok := body.Lookup(fields[2])
			if !ok {
				logger.Warn("skipping network on unknown body", "line", lineNo, "network", fields[1], "body", fields[2])
				continue
			}
			networks = append(networks, Network{Name: fields[1], Body: b.Name})
			current = len(networks) - 1
			continue
		}

		if current < 0 {
			logger.Warn("skipping station outside a network block", "line", lineNo, "station", fields[0])
			continue
		}
		st, err := parseStation(fields)
		if err != nil {
			logger.Warn("skipping malformed station", "line", lineNo, "network", networks[current].Name, "error", err)
			continue
		}
		networks[current].Stations = append(networks[current].Stations, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading station catalog: %w", err)
	}

	return networks, nil
}

func parseStation(fields []string) (Station, error) {
	if len(fields) != 3 && len(fields) != 4 {
		return Station{}, fmt.Errorf("station %q: expected 3 or 4 fields, got %d", fields[0], len(fields))
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Station{}, fmt.Errorf("station %q: latitude: %w", fields[0], err)
	}
	lon, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Station{}, fmt.Errorf("station %q: longitude: %w", fields[0], err)
	}
	if err := validateDegrees(lat, lon); err != nil {
		return Station{}, fmt.Errorf("station %q: %w", fields[0], err)
	}

	loc := geodesy.FromDegrees(lat, lon)
	if len(fields) == 4 {
		alt, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return Station{}, fmt.Errorf("station %q: altitude: %w", fields[0], err)
		}
		loc = loc.WithAltitude(alt)
	}
	return Station{Name: fields[0], Location: loc}, nil
}

// validateDegrees rejects coordinates outside [-90, 90] × [-180, 180].
// NaN fails both comparisons and is rejected too.
func validateDegrees(lat, lon float64) error {
	if !(lat >= -90 && lat <= 90) {
		return fmt.Errorf("latitude %v out of range [-90, 90]", lat)
	}
	if !(lon >= -180 && lon <= 180) {
		return fmt.Errorf("longitude %v out of range [-180, 180]", lon)
	}
	return nil
}
