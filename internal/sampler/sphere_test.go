package sampler

import (
	"math"
	"testing"

	"github.com/star/farpoint/internal/geodesy"
)

func TestSphereCardinality(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 10, 999, 1000} {
		pts := Sphere(n)
		if len(pts) != n {
			t.Errorf("len(Sphere(%d)) = %d", n, len(pts))
		}
		for i, p := range pts {
			if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
				t.Fatalf("Sphere(%d)[%d] = %v contains NaN", n, i, p)
			}
			if p.Latitude < -math.Pi/2 || p.Latitude > math.Pi/2 {
				t.Errorf("Sphere(%d)[%d] latitude %v out of range", n, i, p.Latitude)
			}
		}
	}

	if pts := Sphere(-5); len(pts) != 0 {
		t.Errorf("Sphere(-5) returned %d points", len(pts))
	}
}

func TestSphereDeterministic(t *testing.T) {
	a := Sphere(500)
	b := Sphere(500)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d differs between calls: %v vs %v", i, a[i], b[i])
		}
	}
}

// The spiral's start sits at y = 1, which maps to latitude 0, longitude π/2.
func TestSphereStartPoint(t *testing.T) {
	for _, n := range []int{1, 2, 1000} {
		p := Sphere(n)[0]
		if math.Abs(p.Latitude) > 1e-15 || math.Abs(p.Longitude-math.Pi/2) > 1e-15 {
			t.Errorf("Sphere(%d)[0] = %v, want (0, π/2)", n, p)
		}
	}

	last := Sphere(1000)[999]
	if math.Abs(last.Latitude) > 1e-6 || math.Abs(last.Longitude+math.Pi/2) > 1e-6 {
		t.Errorf("Sphere(1000)[999] = %v, want (0, -π/2)", last)
	}
}

func TestResolutionShrinks(t *testing.T) {
	prev := Resolution(2)
	for _, n := range []int{3, 10, 50, 100, 500, 1000, 5000} {
		r := Resolution(n)
		if r >= prev {
			t.Errorf("Resolution(%d) = %v, not smaller than previous %v", n, r, prev)
		}
		prev = r
	}

	pts := Sphere(1000)
	if got, want := Resolution(1000), geodesy.Distance(pts[0], pts[1]); got != want {
		t.Errorf("Resolution(1000) = %v, want %v", got, want)
	}
	if got := Resolution(1); got != math.Pi {
		t.Errorf("Resolution(1) = %v, want π", got)
	}
}

// Every point of a dense spiral should have a neighbor within a few grid
// spacings, and no hemisphere should be empty.
func TestSphereCoverage(t *testing.T) {
	pts := Sphere(1000)
	probes := []geodesy.Location{
		geodesy.New(math.Pi/2, 0),
		geodesy.New(-math.Pi/2, 0),
		geodesy.New(0, 0),
		geodesy.New(0, math.Pi),
		geodesy.New(0.7, -2),
	}
	// A uniform 1000-point set leaves gaps of roughly 0.06 rad.
	for _, probe := range probes {
		if d := geodesy.MinDistance(probe, pts); d > 0.1 {
			t.Errorf("probe %v is %v rad from the nearest sample", probe, d)
		}
	}
}
