// Package sampler generates deterministic, near-uniform point sets on the unit sphere.
package sampler

import (
	"math"

	"github.com/star/farpoint/internal/geodesy"
)

// GoldenAngle is π(3 − √5), the angular increment of the Fibonacci spiral.
var GoldenAngle = math.Pi * (3 - math.Sqrt(5))

// Sphere returns count points spread over the sphere along a golden-angle
// spiral ("Fibonacci sphere"). The result is deterministic and always has
// exactly count elements; count <= 0 yields an empty slice.
//
// The spiral axis runs along y, and points are mapped with
// latitude = asin(z), longitude = atan2(y, x). Consecutive indices are
// nearest neighbors near the spiral's start, so the spacing of the first
// two points approximates the grid resolution.
func Sphere(count int) []geodesy.Location {
	if count <= 0 {
		return []geodesy.Location{}
	}

	denom := spiralDenominator(count)
	points := make([]geodesy.Location, count)
	for i := range points {
		points[i] = spiralPoint(i, denom)
	}
	return points
}

// Resolution returns the angular spacing between the first two points of a
// count-point spiral, or π when fewer than two points exist.
func Resolution(count int) float64 {
	if count < 2 {
		return math.Pi
	}
	denom := spiralDenominator(count)
	return geodesy.Distance(spiralPoint(0, denom), spiralPoint(1, denom))
}

// spiralDenominator guards count-1 against zero.
func spiralDenominator(count int) float64 {
	if count <= 1 {
		return 1
	}
	return float64(count - 1)
}

func spiralPoint(i int, denom float64) geodesy.Location {
	y := 1 - 2*float64(i)/denom
	radius := math.Sqrt(1 - y*y)
	theta := float64(i) * GoldenAngle

	x := math.Cos(theta) * radius
	z := math.Sin(theta) * radius

	return geodesy.New(math.Asin(clamp(z)), math.Atan2(y, x))
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
