package cache

import (
	"context"
	"time"
)

// TokenCache is the token store: a keyed record store shared by every
// request (and, for the distributed implementation, every process). Records
// are written whole, so readers never observe a partially updated value.
type TokenCache[T any] interface {
	// Get retrieves a record from the cache.
	// Returns the record, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a record in the cache, replacing any existing value.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a record from the cache.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}

// Locker is implemented by caches shared between processes that can gate a
// refresh across all of them. Caches that are local to a process do not need
// it: in-process callers are already collapsed into a single refresh.
type Locker interface {
	// TryLock attempts to take the named lock for at most ttl. When acquired
	// is true, release must be called once the guarded work is done.
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}
