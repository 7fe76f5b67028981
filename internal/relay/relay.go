// Package relay turns relay satellites into extra coverage points: while a
// relay is overhead, its nadir (sub-satellite point) counts as served.
//
// SGP4 propagation uses github.com/joshuaferrara/go-satellite. go-satellite
// calls log.Fatal on malformed input, so every field it parses is
// validated first.
package relay

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/farpoint/internal/geodesy"
)

// ErrInvalidTLE reports TLE lines that fail format validation or SGP4 initialization.
var ErrInvalidTLE = errors.New("invalid TLE")

// earthRadiusKm is the spherical Earth radius used for nadir altitudes.
const earthRadiusKm = 6371.0

// Relay wraps an SGP4 model for a single relay satellite.
type Relay struct {
	name string
	sat  satellite.Satellite
}

// New creates a Relay from TLE lines.
func New(name, line1, line2 string) (*Relay, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)
	if err := validateLines(line1, line2); err != nil {
		return nil, fmt.Errorf("relay %q: %w: %v", name, ErrInvalidTLE, err)
	}
	if err := validateElements(line1, line2); err != nil {
		return nil, fmt.Errorf("relay %q: %w: %v", name, ErrInvalidTLE, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("relay %q: %w: sgp4 init code=%d %s", name, ErrInvalidTLE, sat.Error, sat.ErrorStr)
	}
	return &Relay{name: name, sat: sat}, nil
}

// Name returns the relay's display name.
func (r *Relay) Name() string {
	return r.name
}

// validateLines performs basic format validation on TLE lines.
func validateLines(line1, line2 string) error {
	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got '%c'", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got '%c'", line2[0])
	}
	if strings.TrimSpace(line1[2:7]) != strings.TrimSpace(line2[2:7]) {
		return fmt.Errorf("catalog numbers differ: %q vs %q", line1[2:7], line2[2:7])
	}
	return nil
}

// NadirAt returns the sub-satellite point at t on a spherical Earth, with the
// relay's altitude above the sphere attached as metadata.
func (r *Relay) NadirAt(t time.Time) (geodesy.Location, error) {
	t = t.UTC()
	pos, _ := satellite.Propagate(r.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	// Propagate takes the satellite by value, so failures only show up as
	// NaN/Inf or absurd magnitudes in the output.
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) ||
		math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) || math.IsInf(pos.Z, 0) {
		return geodesy.Location{}, fmt.Errorf("relay %q: sgp4 output is NaN/Inf", r.name)
	}
	mag := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	if mag < 6200.0 || mag > 50000.0 {
		return geodesy.Location{}, fmt.Errorf("relay %q: unreasonable position magnitude %.1f km", r.name, mag)
	}

	gmst := satellite.GSTimeFromDate(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return Nadir(pos.X, pos.Y, pos.Z, gmst), nil
}

// Nadir rotates a TEME position (km) into the Earth-fixed frame by the
// Greenwich sidereal angle gmst and projects it onto the sphere.
//
// Position transform: r_ECEF = R3(θ) * r_TEME. Polar motion and the
// equation of the equinoxes are ignored.
func Nadir(x, y, z, gmst float64) geodesy.Location {
	sinG, cosG := math.Sincos(gmst)
	xe := x*cosG + y*sinG
	ye := -x*sinG + y*cosG

	mag := math.Sqrt(xe*xe + ye*ye + z*z)
	return geodesy.New(math.Atan2(z, math.Hypot(xe, ye)), math.Atan2(ye, xe)).
		WithAltitude((mag - earthRadiusKm) * 1000.0)
}

// NadirPoints returns the nadir of every relay at t. It fails on the first
// relay that cannot be propagated.
func NadirPoints(relays []*Relay, t time.Time) ([]geodesy.Location, error) {
	out := make([]geodesy.Location, 0, len(relays))
	for _, r := range relays {
		loc, err := r.NadirAt(t)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}
