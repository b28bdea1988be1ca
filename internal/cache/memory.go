package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-memory cache implementation using otter. Entries are
// retained for the configured retention period; any expiry carried inside the
// stored value is the caller's concern.
type Memory[T any] struct {
	cache     *otter.Cache[string, T]
	retention time.Duration
	counter   *stats.Counter
}

// NewMemory creates a new in-memory cache with the specified retention and
// max size.
func NewMemory[T any](retention time.Duration, maxSize int) (*Memory[T], error) {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, T]{
		MaximumSize:      maxSize,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryWriting[string, T](retention),
	})

	return &Memory[T]{
		cache:     cache,
		retention: retention,
		counter:   counter,
	}, nil
}

// Get retrieves a record from the cache.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value, true, nil
}

// Set stores a record in the cache.
func (m *Memory[T]) Set(ctx context.Context, key string, value T) error {
	m.cache.Set(key, value)
	return nil
}

// Invalidate removes a record from the cache.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Stats reports the hit and miss counts recorded since creation.
func (m *Memory[T]) Stats() (hits, misses uint64) {
	snapshot := m.counter.Snapshot()
	return snapshot.Hits, snapshot.Misses
}

// Close is a no-op: the memory cache holds no external resources.
func (m *Memory[T]) Close() error {
	return nil
}
