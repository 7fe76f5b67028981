package farthest

import (
	"math"

	"github.com/star/farpoint/internal/geodesy"
)

// Solve returns the point on the sphere that maximizes the distance to the
// nearest of locations.
func Solve(locations []geodesy.Location, opts ...Option) Result {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return SolveWith(locations, o)
}

// SolveWith is Solve with an explicit Options value.
func SolveWith(locations []geodesy.Location, o Options) Result {
	o = o.normalized()

	switch StrategyFor(len(locations)) {
	case StrategyUnconstrained:
		return unconstrained()
	case StrategyAntipode:
		return antipode(locations[0])
	case StrategyBisector:
		return bisector(locations[0], locations[1])
	default:
		return patternSearch(locations, o)
	}
}

// unconstrained: with nothing to avoid, any point will do.
func unconstrained() Result {
	return Result{
		Location:          geodesy.New(0, 0),
		DistanceToNearest: geodesy.Unconstrained,
	}
}

// antipode: the farthest point from a single point is its antipode. The
// longitude is wrapped so that any real input longitude lands in (-π, π].
func antipode(p geodesy.Location) Result {
	return Result{
		Location:          geodesy.New(-p.Latitude, geodesy.WrapAngle(p.Longitude+math.Pi)),
		DistanceToNearest: math.Pi,
	}
}

// bisector: the farthest point from two points is the antipode of their
// great-circle midpoint.
func bisector(p, q geodesy.Location) Result {
	mid := p.Move(geodesy.Direction(p, q), geodesy.Distance(p, q)/2)
	loc := bare(mid.Antipode())
	return Result{
		Location:          loc,
		DistanceToNearest: geodesy.Distance(loc, q),
	}
}

// bare drops altitude metadata inherited from an input point.
func bare(l geodesy.Location) geodesy.Location {
	return geodesy.New(l.Latitude, l.Longitude)
}
