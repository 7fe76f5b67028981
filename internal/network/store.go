package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store provides thread-safe access to the current catalog.
type Store struct {
	catalog atomic.Pointer[Catalog]
	mu      sync.Mutex // serializes reloads
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current catalog, or nil if none has been loaded.
func (s *Store) Get() *Catalog {
	return s.catalog.Load()
}

// Set atomically replaces the current catalog.
func (s *Store) Set(c *Catalog) {
	s.catalog.Store(c)
}

// Lookup finds a network in the current catalog.
func (s *Store) Lookup(name string) (Network, error) {
	c := s.catalog.Load()
	if c == nil {
		return Network{}, ErrNotFound
	}
	return c.Lookup(name)
}

// AgeSeconds returns the age of the current catalog in seconds.
// Returns -1 if no catalog is loaded.
func (s *Store) AgeSeconds() float64 {
	c := s.catalog.Load()
	if c == nil {
		return -1
	}
	return time.Since(c.LoadedAt).Seconds()
}

// Reload loads a catalog from src and swaps it in. Concurrent reloads are
// serialized; on error the current catalog is kept.
func (s *Store) Reload(ctx context.Context, src Source, logger *slog.Logger) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog from %s: %w", src.Name(), err)
	}
	s.Set(c)
	logger.Info("station catalog loaded",
		"source", c.Source,
		"networks", len(c.Networks),
		"stations", c.StationCount(),
	)
	return c, nil
}
