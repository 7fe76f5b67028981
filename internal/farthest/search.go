package farthest

import (
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/sampler"
)

// search is the accumulator of the compass search.
type search struct {
	candidate geodesy.Location
	objective float64
	step      float64
	move      Move
}

// patternSearch handles three or more points: a global scan of a spiral
// grid, then compass search from the best grid point.
func patternSearch(locations []geodesy.Location, o Options) Result {
	s := scan(locations, o.GridSize)

	o.observe(Step{
		State:     StateScanning,
		Candidate: s.candidate,
		Objective: s.objective,
		StepSize:  s.step,
		Move:      MoveStay,
	})

	iter := 0
	for s.step >= o.Tolerance {
		s = refine(s, locations)
		iter++
		o.observe(Step{
			State:     StateRefining,
			Iteration: iter,
			Candidate: s.candidate,
			Objective: s.objective,
			StepSize:  s.step,
			Move:      s.move,
		})
	}

	o.observe(Step{
		State:     StateConverged,
		Iteration: iter,
		Candidate: s.candidate,
		Objective: s.objective,
		StepSize:  s.step,
		Move:      s.move,
	})

	return Result{
		Location:          s.candidate,
		DistanceToNearest: s.objective,
	}
}

// scan evaluates every grid point and keeps the first one with the largest
// distance to its nearest input. The initial step is the spacing between
// the first two grid points.
func scan(locations []geodesy.Location, gridSize int) search {
	grid := sampler.Sphere(gridSize)

	best := search{
		candidate: grid[0],
		objective: geodesy.MinDistance(grid[0], locations),
		step:      geodesy.Distance(grid[0], grid[1]),
		move:      MoveStay,
	}
	for _, g := range grid[1:] {
		if f := geodesy.MinDistance(g, locations); f > best.objective {
			best.candidate = g
			best.objective = f
		}
	}
	return best
}

// refine performs one compass-search iteration. Neighbors one step away to
// the north, east, south and west are compared against staying put; only a
// strictly better objective wins, so ties keep the earlier option. Staying
// halves the step, moving keeps it.
func refine(s search, locations []geodesy.Location) search {
	next := search{
		candidate: s.candidate,
		objective: s.objective,
		step:      s.step,
		move:      MoveStay,
	}
	for _, m := range compass {
		c := s.candidate.Move(m.Bearing(), s.step)
		if f := geodesy.MinDistance(c, locations); f > next.objective {
			next.candidate = c
			next.objective = f
			next.move = m
		}
	}
	if next.move == MoveStay {
		next.step = s.step / 2
	}
	return next
}
