// Package body holds the radii of the celestial bodies stations can sit on,
// used to turn angular distances into linear ones.
package body

import (
	"sort"
	"strings"
)

// Body is a spherical celestial body.
type Body struct {
	Name    string
	RadiusM float64 // equatorial radius in meters
	Parent  string  // body it orbits, empty for the star
}

// Linear converts an angular distance in radians to meters along the surface.
func (b Body) Linear(angle float64) float64 {
	return angle * b.RadiusM
}

// Angular converts a surface distance in meters to radians.
func (b Body) Angular(meters float64) float64 {
	return meters / b.RadiusM
}

// catalog lists the Kerbol system plus Earth for real-world station sets.
var catalog = map[string]Body{
	"kerbol": {Name: "Kerbol", RadiusM: 261600000},
	"moho":   {Name: "Moho", RadiusM: 250000, Parent: "kerbol"},
	"eve":    {Name: "Eve", RadiusM: 700000, Parent: "kerbol"},
	"gilly":  {Name: "Gilly", RadiusM: 13000, Parent: "eve"},
	"kerbin": {Name: "Kerbin", RadiusM: 600000, Parent: "kerbol"},
	"mun":    {Name: "Mun", RadiusM: 200000, Parent: "kerbin"},
	"minmus": {Name: "Minmus", RadiusM: 60000, Parent: "kerbin"},
	"duna":   {Name: "Duna", RadiusM: 320000, Parent: "kerbol"},
	"ike":    {Name: "Ike", RadiusM: 130000, Parent: "duna"},
	"dres":   {Name: "Dres", RadiusM: 138000, Parent: "kerbol"},
	"jool":   {Name: "Jool", RadiusM: 6000000, Parent: "kerbol"},
	"laythe": {Name: "Laythe", RadiusM: 500000, Parent: "jool"},
	"vall":   {Name: "Vall", RadiusM: 300000, Parent: "jool"},
	"tylo":   {Name: "Tylo", RadiusM: 600000, Parent: "jool"},
	"bop":    {Name: "Bop", RadiusM: 65000, Parent: "jool"},
	"pol":    {Name: "Pol", RadiusM: 44000, Parent: "jool"},
	"eeloo":  {Name: "Eeloo", RadiusM: 210000, Parent: "kerbol"},
	"earth":  {Name: "Earth", RadiusM: 6371000},
}

// Lookup finds a body by case-insensitive name.
func Lookup(name string) (Body, bool) {
	b, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// All returns every known body sorted by name.
func All() []Body {
	out := make([]Body, 0, len(catalog))
	for _, b := range catalog {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
