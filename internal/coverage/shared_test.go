package coverage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/star/farpoint/internal/cache"
	"github.com/star/farpoint/internal/network"
)

// memShared is an in-memory cache.Shared. When fail is set every call errors.
type memShared struct {
	mu      sync.Mutex
	entries map[cache.Key]cache.Entry
	fail    bool
	gets    int
	puts    int
}

func newMemShared() *memShared {
	return &memShared{entries: make(map[cache.Key]cache.Entry)}
}

func (m *memShared) Get(_ context.Context, k cache.Key) (cache.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.fail {
		return cache.Entry{}, false, errors.New("shared cache down")
	}
	e, ok := m.entries[k]
	return e, ok, nil
}

func (m *memShared) Put(_ context.Context, k cache.Key, e cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.fail {
		return errors.New("shared cache down")
	}
	m.entries[k] = e
	return nil
}

func replica(shared cache.Shared) *Service {
	store := network.NewStore()
	store.Set(testCatalog())
	return NewService(Config{}, store, cache.New(cache.Config{}), testLogger).WithSharedCache(shared)
}

func TestSharedCacheAcrossReplicas(t *testing.T) {
	shared := newMemShared()
	a, b := replica(shared), replica(shared)
	ctx := context.Background()

	first, err := a.Solve(ctx, Request{Locations: triangle})
	if err != nil {
		t.Fatalf("Solve on replica a: %v", err)
	}
	if first.Cached {
		t.Error("first solve reported cached")
	}
	if shared.puts != 1 {
		t.Errorf("shared puts = %d, want 1", shared.puts)
	}

	second, err := b.Solve(ctx, Request{Locations: triangle})
	if err != nil {
		t.Fatalf("Solve on replica b: %v", err)
	}
	if !second.Cached {
		t.Error("replica b did not use the shared entry")
	}
	if second.Result != first.Result || second.Iterations != first.Iterations {
		t.Errorf("shared result %+v differs from computed %+v", second, first)
	}

	// The shared hit also fills b's in-process cache.
	gets := shared.gets
	if _, err := b.Solve(ctx, Request{Locations: triangle}); err != nil {
		t.Fatal(err)
	}
	if shared.gets != gets {
		t.Errorf("in-process hit still queried the shared cache")
	}
}

func TestSharedCacheFailureIsNotFatal(t *testing.T) {
	shared := newMemShared()
	shared.fail = true
	svc := replica(shared)

	rep, err := svc.Solve(context.Background(), Request{Locations: triangle})
	if err != nil {
		t.Fatalf("Solve with shared cache down: %v", err)
	}
	if rep.Cached || rep.Iterations == 0 {
		t.Errorf("report = %+v, want a fresh solve", rep)
	}
	if shared.gets != 1 || shared.puts != 1 {
		t.Errorf("gets = %d, puts = %d, want 1 each", shared.gets, shared.puts)
	}
}
