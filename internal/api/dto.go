package api

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/star/farpoint/internal/coverage"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/relay"
)

const (
	unitsDegrees = "degrees"
	unitsRadians = "radians"
)

var errUnits = errors.New(`units must be "degrees" or "radians"`)

// point is a wire location. Latitude and longitude are in the request's units.
type point struct {
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

type relayTLE struct {
	Name  string `json:"name"`
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

type farthestRequest struct {
	Points    []point    `json:"points"`
	Units     string     `json:"units,omitempty"`
	Body      string     `json:"body,omitempty"`
	Tolerance float64    `json:"tolerance,omitempty"`
	Relays    []relayTLE `json:"relays,omitempty"`
	At        *time.Time `json:"at,omitempty"`
}

// normalizeUnits returns the canonical units name, defaulting to degrees.
func normalizeUnits(u string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "", "deg", unitsDegrees:
		return unitsDegrees, nil
	case "rad", unitsRadians:
		return unitsRadians, nil
	default:
		return "", errUnits
	}
}

func (p point) location(units string) geodesy.Location {
	var l geodesy.Location
	if units == unitsRadians {
		l = geodesy.New(p.Lat, p.Lon)
	} else {
		l = geodesy.FromDegrees(p.Lat, p.Lon)
	}
	if p.Alt != nil {
		l = l.WithAltitude(*p.Alt)
	}
	return l
}

func toPoint(l geodesy.Location, units string) point {
	p := point{Lat: l.Latitude, Lon: l.Longitude}
	if units == unitsDegrees {
		p.Lat, p.Lon = l.Degrees()
	}
	if l.HasAltitude {
		alt := l.Altitude
		p.Alt = &alt
	}
	return p
}

// toRequest converts the wire request into a coverage request.
func (fr farthestRequest) toRequest() (coverage.Request, string, error) {
	units, err := normalizeUnits(fr.Units)
	if err != nil {
		return coverage.Request{}, "", err
	}
	req := coverage.Request{
		Locations: make([]geodesy.Location, len(fr.Points)),
		Body:      fr.Body,
		Tolerance: fr.Tolerance,
	}
	for i, p := range fr.Points {
		req.Locations[i] = p.location(units)
	}
	if len(fr.Relays) > 0 {
		req.Relays = make([]*relay.Relay, len(fr.Relays))
		for i, rt := range fr.Relays {
			r, err := relay.New(rt.Name, rt.Line1, rt.Line2)
			if err != nil {
				return coverage.Request{}, "", fmt.Errorf("relay %d: %w", i, err)
			}
			req.Relays[i] = r
		}
	}
	if fr.At != nil {
		req.At = *fr.At
	}
	return req, units, nil
}

type farthestResponse struct {
	Network     string  `json:"network,omitempty"`
	Location    point   `json:"location"`
	Units       string  `json:"units"`
	DistanceRad float64 `json:"distance_rad"`
	DistanceDeg float64 `json:"distance_deg"`
	DistanceM   float64 `json:"distance_m,omitempty"`
	Body        string  `json:"body,omitempty"`
	Strategy    string  `json:"strategy"`
	Iterations  int     `json:"iterations"`
	Points      int     `json:"points"`
	Cached      bool    `json:"cached"`
	DurationMs  float64 `json:"duration_ms"`
}

func newFarthestResponse(rep coverage.Report, units string) farthestResponse {
	resp := farthestResponse{
		Network:     rep.Network,
		Location:    toPoint(rep.Result.Location, units),
		Units:       units,
		DistanceRad: rep.Result.DistanceToNearest,
		DistanceDeg: rep.Result.DistanceToNearest * 180 / math.Pi,
		DistanceM:   rep.DistanceMeters,
		Strategy:    rep.Strategy.String(),
		Iterations:  rep.Iterations,
		Points:      rep.Points,
		Cached:      rep.Cached,
		DurationMs:  float64(rep.Duration.Microseconds()) / 1000,
	}
	if rep.Body != nil {
		resp.Body = rep.Body.Name
	}
	return resp
}

type batchRequest struct {
	Networks []string `json:"networks"`
}

type batchItem struct {
	Network string            `json:"network"`
	Error   string            `json:"error,omitempty"`
	Result  *farthestResponse `json:"result,omitempty"`
}

type stationResponse struct {
	Name string `json:"name"`
	point
}

type networkResponse struct {
	Name     string            `json:"name"`
	Body     string            `json:"body"`
	Stations []stationResponse `json:"stations"`
}

type catalogResponse struct {
	Source   string            `json:"source"`
	LoadedAt string            `json:"loaded_at"`
	Networks []networkResponse `json:"networks"`
}

type reloadResponse struct {
	Source   string `json:"source"`
	LoadedAt string `json:"loaded_at"`
	Networks int    `json:"networks"`
	Stations int    `json:"stations"`
}

type sampleResponse struct {
	Count         int     `json:"count"`
	ResolutionDeg float64 `json:"resolution_deg"`
	Points        []point `json:"points"`
}

type bodyResponse struct {
	Name    string  `json:"name"`
	RadiusM float64 `json:"radius_m"`
	Parent  string  `json:"parent,omitempty"`
}
