// Package farthest finds the point on a sphere that is farthest from its
// nearest member of a given set of points: the point worst served by a
// network of ground stations.
//
// Zero, one and two points have closed-form answers. Three or more points
// use a global scan of a golden-angle spiral grid followed by a compass
// (pattern) search. The search converges to a local maximum of the
// distance-to-nearest objective; the grid scan is relied on to start near
// the global one, but no global optimality is guaranteed.
package farthest

import (
	"math"

	"github.com/star/farpoint/internal/geodesy"
)

const (
	// DefaultGridSize is the number of spiral points evaluated by the global scan.
	DefaultGridSize = 1000
	// DefaultTolerance is the step size (radians) below which refinement stops.
	DefaultTolerance = 1e-8
)

// Result is the farthest point and its distance to the nearest input point.
// DistanceToNearest is in [0, π], or geodesy.Unconstrained (2π) for an empty input.
type Result struct {
	Location          geodesy.Location
	DistanceToNearest float64
}

// Strategy identifies which solving method applies to an input size.
type Strategy int

const (
	StrategyUnconstrained Strategy = iota // no points
	StrategyAntipode                      // one point
	StrategyBisector                      // two points
	StrategyPatternSearch                 // three or more points
)

// StrategyFor returns the strategy used for n input points.
func StrategyFor(n int) Strategy {
	switch {
	case n <= 0:
		return StrategyUnconstrained
	case n == 1:
		return StrategyAntipode
	case n == 2:
		return StrategyBisector
	default:
		return StrategyPatternSearch
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyUnconstrained:
		return "unconstrained"
	case StrategyAntipode:
		return "antipode"
	case StrategyBisector:
		return "bisector"
	case StrategyPatternSearch:
		return "pattern_search"
	default:
		return "unknown"
	}
}

// State is the phase of a pattern search.
type State int

const (
	StateScanning State = iota
	StateRefining
	StateConverged
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateRefining:
		return "refining"
	case StateConverged:
		return "converged"
	default:
		return "unknown"
	}
}

// Move is the outcome of one compass-search iteration. The declaration order
// is the evaluation order, and ties go to the earlier value.
type Move int

const (
	MoveStay Move = iota
	MoveNorth
	MoveEast
	MoveSouth
	MoveWest
)

// compass lists the neighbor moves in evaluation order.
var compass = [...]Move{MoveNorth, MoveEast, MoveSouth, MoveWest}

// Bearing returns the initial bearing of the move in radians.
func (m Move) Bearing() float64 {
	switch m {
	case MoveEast:
		return math.Pi / 2
	case MoveSouth:
		return math.Pi
	case MoveWest:
		return 3 * math.Pi / 2
	default:
		return 0
	}
}

func (m Move) String() string {
	switch m {
	case MoveStay:
		return "stay"
	case MoveNorth:
		return "north"
	case MoveEast:
		return "east"
	case MoveSouth:
		return "south"
	case MoveWest:
		return "west"
	default:
		return "unknown"
	}
}

// Step is one observation of a pattern search.
type Step struct {
	State     State
	Iteration int // refinement iterations completed
	Candidate geodesy.Location
	Objective float64 // distance from Candidate to the nearest input point
	StepSize  float64
	Move      Move
}

// Options tunes the 3+ point search. The zero value uses the defaults.
type Options struct {
	GridSize  int
	Tolerance float64
	// Observer, when set, is called synchronously with every search step.
	Observer func(Step)
}

// Option configures Solve.
type Option func(*Options)

// WithTolerance sets the refinement tolerance in radians.
func WithTolerance(tol float64) Option {
	return func(o *Options) { o.Tolerance = tol }
}

// WithGridSize sets the number of points in the global scan.
func WithGridSize(n int) Option {
	return func(o *Options) { o.GridSize = n }
}

// WithObserver registers a callback for search steps.
func WithObserver(fn func(Step)) Option {
	return func(o *Options) { o.Observer = fn }
}

// normalized replaces unusable settings with defaults. A tolerance that is
// not strictly positive would never terminate the refinement loop.
func (o Options) normalized() Options {
	if o.GridSize < 2 {
		o.GridSize = DefaultGridSize
	}
	if !(o.Tolerance > 0) || math.IsInf(o.Tolerance, 0) {
		o.Tolerance = DefaultTolerance
	}
	return o
}

func (o Options) observe(s Step) {
	if o.Observer != nil {
		o.Observer(s)
	}
}
