// Package geodesy provides great-circle navigation on the unit sphere.
//
// All angles are radians and all distances are angular (radians of arc).
// Multiply a distance by a body's radius to get meters (see package body).
package geodesy

import "math"

// Location is a point on the surface of a sphere.
//
// Location is an immutable value: every operation that derives a new position
// returns a new Location. Altitude is carried as metadata only and never
// affects distance or bearing calculations.
type Location struct {
	Latitude    float64 // radians, [-π/2, π/2]
	Longitude   float64 // radians, any real (periodic)
	Altitude    float64 // meters, meaningful only when HasAltitude is set
	HasAltitude bool
}

// New creates a Location from latitude and longitude in radians.
func New(lat, lon float64) Location {
	return Location{Latitude: lat, Longitude: lon}
}

// FromDegrees creates a Location from latitude and longitude in degrees.
func FromDegrees(latDeg, lonDeg float64) Location {
	return New(latDeg*math.Pi/180.0, lonDeg*math.Pi/180.0)
}

// WithAltitude returns a copy of l carrying the given altitude in meters.
func (l Location) WithAltitude(m float64) Location {
	l.Altitude = m
	l.HasAltitude = true
	return l
}

// Degrees returns latitude and longitude in degrees.
func (l Location) Degrees() (lat, lon float64) {
	return l.Latitude * 180.0 / math.Pi, l.Longitude * 180.0 / math.Pi
}

// SamePoint reports whether l and o have identical latitude and longitude.
// Altitude is ignored.
func (l Location) SamePoint(o Location) bool {
	return l.Latitude == o.Latitude && l.Longitude == o.Longitude
}

// Antipode returns the point diametrically opposite l.
// Longitude is shifted by π toward zero: subtract π when positive, add π otherwise.
func (l Location) Antipode() Location {
	lon := l.Longitude + math.Pi
	if l.Longitude > 0 {
		lon = l.Longitude - math.Pi
	}
	l.Latitude = -l.Latitude
	l.Longitude = lon
	return l
}

// WrapAngle wraps x into (-π, π].
func WrapAngle(x float64) float64 {
	r := math.Mod(x+math.Pi, 2*math.Pi)
	if r <= 0 {
		r += 2 * math.Pi
	}
	return r - math.Pi
}
