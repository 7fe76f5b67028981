// Package network holds named ground-station networks and the catalog
// sources they are loaded from.
package network

import (
	"errors"
	"sort"
	"time"

	"github.com/star/farpoint/internal/geodesy"
)

// ErrNotFound is returned when a network name is not in the catalog.
var ErrNotFound = errors.New("network not found")

// Station is a single ground station.
type Station struct {
	Name     string
	Location geodesy.Location
}

// Network is a named set of stations on one body.
type Network struct {
	Name     string
	Body     string
	Stations []Station
}

// Locations returns the station positions in declaration order.
func (n Network) Locations() []geodesy.Location {
	out := make([]geodesy.Location, len(n.Stations))
	for i, s := range n.Stations {
		out[i] = s.Location
	}
	return out
}

// Catalog is an immutable snapshot of every known network.
type Catalog struct {
	Source   string
	LoadedAt time.Time
	Networks map[string]Network
}

// NewCatalog builds a catalog from parsed networks. A later network with a
// duplicate name replaces the earlier one.
func NewCatalog(source string, networks []Network) *Catalog {
	c := &Catalog{
		Source:   source,
		LoadedAt: time.Now().UTC(),
		Networks: make(map[string]Network, len(networks)),
	}
	for _, n := range networks {
		c.Networks[n.Name] = n
	}
	return c
}

// Lookup returns the named network.
func (c *Catalog) Lookup(name string) (Network, error) {
	n, ok := c.Networks[name]
	if !ok {
		return Network{}, ErrNotFound
	}
	return n, nil
}

// Names returns the network names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StationCount returns the total number of stations across all networks.
func (c *Catalog) StationCount() int {
	total := 0
	for _, n := range c.Networks {
		total += len(n.Stations)
	}
	return total
}

// Default returns the built-in catalog used when no source is configured.
func Default() *Catalog {
	return NewCatalog("builtin", []Network{
		{
			Name: "kerbin-ksc",
			Body: "Kerbin",
			Stations: []Station{
				{Name: "ksc", Location: geodesy.FromDegrees(-0.0972, -74.5577).WithAltitude(65)},
			},
		},
	})
}
