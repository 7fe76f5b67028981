// Package cache stores solver results keyed by a fingerprint of the input
// point set and solver settings.
//
// ResultCache is a bounded in-process tier: once full, the oldest entry is
// evicted first, and it is purged whenever the station catalog changes.
// RedisStore is an optional tier shared between replicas.
package cache

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/star/farpoint/internal/farthest"
	"github.com/star/farpoint/internal/geodesy"
	"github.com/star/farpoint/internal/metrics"
)

// DefaultMaxEntries is used when Config.MaxEntries is not positive.
const DefaultMaxEntries = 256

// Config holds cache configuration loaded from environment variables.
type Config struct {
	MaxEntries int
	// RedisURL enables the shared tier when set.
	RedisURL  string
	SharedTTL time.Duration
}

// Key fingerprints a solve: every input coordinate plus the settings that
// can change the result. Altitude is ignored by the solver and is not hashed.
type Key uint64

// Fingerprint computes the Key for a solve of locations.
func Fingerprint(locations []geodesy.Location, gridSize int, tolerance float64) Key {
	var buf [8]byte
	d := xxhash.New()

	binary.LittleEndian.PutUint64(buf[:], uint64(gridSize))
	d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(tolerance))
	d.Write(buf[:])
	for _, l := range locations {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(l.Latitude))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(l.Longitude))
		d.Write(buf[:])
	}
	return Key(d.Sum64())
}

// Entry is a cached solve.
type Entry struct {
	Result      farthest.Result
	Iterations  int
	GeneratedAt time.Time
}

// ResultCache is a bounded FIFO cache of solver results.
// Safe for concurrent use by multiple goroutines.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	order   []Key // insertion order, oldest first
	max     int

	// Counters (lock-free).
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates an empty ResultCache.
func New(cfg Config) *ResultCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &ResultCache{
		entries: make(map[Key]Entry, cfg.MaxEntries),
		max:     cfg.MaxEntries,
	}
}

// Get returns the cached entry for k.
func (c *ResultCache) Get(k Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.IncCacheHits()
		return e, true
	}
	c.misses.Add(1)
	metrics.IncCacheMisses()
	return Entry{}, false
}

// Put stores e under k, evicting the oldest entries when full. Results with
// a NaN objective are not cached.
func (c *ResultCache) Put(k Key, e Entry) {
	if math.IsNaN(e.Result.DistanceToNearest) {
		return
	}
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = time.Now()
	}

	var removed int
	c.mu.Lock()
	if _, exists := c.entries[k]; !exists {
		for len(c.order) >= c.max {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
			removed++
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = e
	count := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		metrics.AddCacheEvictions(removed)
	}
	metrics.SetCacheEntries(count)
}

// Purge drops every entry and returns how many were removed.
func (c *ResultCache) Purge() int {
	c.mu.Lock()
	removed := len(c.entries)
	c.entries = make(map[Key]Entry, c.max)
	c.order = nil
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		metrics.AddCacheEvictions(removed)
	}
	metrics.SetCacheEntries(0)
	return removed
}

// Stats returns current cache statistics.
func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	count := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Entries:    count,
		MaxEntries: c.max,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
	}
}

// Stats holds cache statistics for the stats endpoint.
type Stats struct {
	Entries    int
	MaxEntries int
	Hits       int64
	Misses     int64
	Evictions  int64
}
