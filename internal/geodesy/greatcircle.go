package geodesy

import "math"

// Unconstrained is the distance reported for an empty set of points:
// nothing constrains the position, so the whole sphere is available.
const Unconstrained = 2 * math.Pi

// Distance returns the great-circle angular distance between a and b in [0, π].
//
// Uses the Vincenty special case of the orthodromic formula:
//
//	Δσ = atan2(√((cosφ2·sinΔλ)² + (cosφ1·sinφ2 − sinφ1·cosφ2·cosΔλ)²),
//	           sinφ1·sinφ2 + cosφ1·cosφ2·cosΔλ)
//
// which stays accurate for both coincident and antipodal points.
func Distance(a, b Location) float64 {
	// Evaluate in a canonical order so Distance(a, b) and Distance(b, a)
	// are bit-for-bit equal.
	if b.Latitude < a.Latitude || (b.Latitude == a.Latitude && b.Longitude < a.Longitude) {
		a, b = b, a
	}

	sinLat1, cosLat1 := math.Sincos(a.Latitude)
	sinLat2, cosLat2 := math.Sincos(b.Latitude)
	sinDLon, cosDLon := math.Sincos(b.Longitude - a.Longitude)

	y := math.Hypot(cosLat2*sinDLon, cosLat1*sinLat2-sinLat1*cosLat2*cosDLon)
	x := sinLat1*sinLat2 + cosLat1*cosLat2*cosDLon

	return math.Atan2(y, x)
}

// Direction returns the initial bearing of the great circle from a to b,
// measured clockwise from north, in (-π, π].
//
// The bearing from a point to itself is indeterminate; Direction returns 0.
// Near the poles the result is finite but carries little meaning.
func Direction(a, b Location) float64 {
	sinLat1, cosLat1 := math.Sincos(a.Latitude)
	sinLat2, cosLat2 := math.Sincos(b.Latitude)
	sinDLon, cosDLon := math.Sincos(b.Longitude - a.Longitude)

	y := sinDLon * cosLat2
	x := cosLat1*sinLat2 - sinLat1*cosLat2*cosDLon

	theta := math.Atan2(y, x)
	if theta == -math.Pi {
		theta = math.Pi
	}
	return theta
}

// Move returns the Location reached by travelling distance radians from l
// along the great circle with initial bearing direction.
//
// The destination is built from the local north/east frame at l:
//
//	q = cosδ·p + sinδ·(cosθ·n + sinθ·e)
//
// and converted back with atan2, so no inverse trig function sees an
// out-of-range argument. Altitude metadata is carried over.
func (l Location) Move(direction, distance float64) Location {
	sinLat, cosLat := math.Sincos(l.Latitude)
	sinLon, cosLon := math.Sincos(l.Longitude)
	sinDir, cosDir := math.Sincos(direction)
	sinDist, cosDist := math.Sincos(distance)

	// Position, local north and local east unit vectors.
	px, py, pz := cosLat*cosLon, cosLat*sinLon, sinLat
	nx, ny, nz := -sinLat*cosLon, -sinLat*sinLon, cosLat
	ex, ey := -sinLon, cosLon

	dx := cosDir*nx + sinDir*ex
	dy := cosDir*ny + sinDir*ey
	dz := cosDir * nz

	qx := cosDist*px + sinDist*dx
	qy := cosDist*py + sinDist*dy
	qz := cosDist*pz + sinDist*dz

	l.Latitude = math.Atan2(qz, math.Hypot(qx, qy))
	l.Longitude = math.Atan2(qy, qx)
	return l
}

// MinDistance returns the distance from p to the nearest member of set.
// An empty set yields Unconstrained.
func MinDistance(p Location, set []Location) float64 {
	if len(set) == 0 {
		return Unconstrained
	}
	best := math.Inf(1)
	for _, s := range set {
		d := Distance(p, s)
		if math.IsNaN(d) {
			return d
		}
		if d < best {
			best = d
		}
	}
	return best
}
