package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// lockKeyPrefix namespaces refresh locks away from cached records.
const lockKeyPrefix = "lock:"

// releaseScript deletes a lock only while it is still held by the caller, so
// an expired lock taken over by another process is left alone.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Distributed implements TokenCache using Valkey with server-assisted
// client-side caching. Records are JSON-serialized, and written with a single
// SET so that every field of a record is replaced together.
type Distributed[T any] struct {
	client    valkey.Client
	retention time.Duration
	strategy  EncryptionStrategy
}

// NewDistributed creates a new Valkey-backed cache with server-assisted client-side caching.
// The retention parameter specifies how long records are kept by the server.
// The strategy parameter controls encryption of cached values; nil defaults to NoEncryptionStrategy.
func NewDistributed[T any](valkeyClient valkey.Client, retention time.Duration, strategy EncryptionStrategy) (*Distributed[T], error) {
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed[T]{
		client:    valkeyClient,
		retention: retention,
		strategy:  strategy,
	}, nil
}

// Get retrieves a record using server-assisted client-side caching.
// Decryption failures are returned as errors and the corrupted entry is
// invalidated on a best-effort basis.
func (d *Distributed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	storageKey := d.strategy.StorageKey(key)

	cmd := d.client.B().Get().Key(storageKey).Cache()
	result := d.client.DoCache(ctx, cmd, d.retention)

	if err := result.Error(); err != nil {
		// Key not found is not an error in our semantics
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("failed to get cached value: %w", err)
	}

	val, err := result.ToString()
	if err != nil {
		return zero, false, fmt.Errorf("failed to convert cached value to string: %w", err)
	}

	data, err := d.strategy.DecryptValue(ctx, val, key)
	if err != nil {
		_ = d.client.Do(ctx, d.client.B().Del().Key(storageKey).Build()).Error()

		return zero, false, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return value, true, nil
}

// Set stores a record with the configured retention.
func (d *Distributed[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	stored, err := d.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}

	cmd := d.client.B().Set().Key(d.strategy.StorageKey(key)).Value(stored).ExSeconds(int64(d.retention.Seconds())).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set cached value: %w", err)
	}
	return nil
}

// Invalidate removes a record from the cache.
func (d *Distributed[T]) Invalidate(ctx context.Context, key string) error {
	cmd := d.client.B().Del().Key(d.strategy.StorageKey(key)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached value: %w", err)
	}
	return nil
}

// TryLock takes a lock shared by every process using the same Valkey server.
// The lock expires after ttl even if it is never released.
func (d *Distributed[T]) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lockKey := lockKeyPrefix + name
	owner := rand.Text()

	cmd := d.client.B().Set().Key(lockKey).Value(owner).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := d.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		// NX condition failed: another process holds the lock
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	release := func(ctx context.Context) error {
		err := releaseScript.Exec(ctx, d.client, []string{lockKey}, []string{owner}).Error()
		if err != nil {
			return fmt.Errorf("failed to release lock %q: %w", name, err)
		}
		return nil
	}

	return release, true, nil
}

// Close releases resources associated with the cache client and encryption strategy.
func (d *Distributed[T]) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}
