package token_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/checkout-bridge/internal/cache"
	"github.com/chinmina/checkout-bridge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

func TestCachedToken_ValidAt(t *testing.T) {
	cases := []struct {
		name   string
		token  token.CachedToken
		margin time.Duration
		valid  bool
	}{
		{name: "future expiry", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Add(time.Hour).Unix()}, valid: true},
		{name: "past expiry", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Add(-time.Second).Unix()}},
		{name: "expiry now", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Unix()}},
		{name: "one second left", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Add(time.Second).Unix()}, valid: true},
		{name: "inside margin", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Add(20 * time.Second).Unix()}, margin: 30 * time.Second},
		{name: "beyond margin", token: token.CachedToken{Token: "A", ExpiresAt: testNow.Add(time.Minute).Unix()}, margin: 30 * time.Second, valid: true},
		{name: "missing expiry", token: token.CachedToken{Token: "A"}},
		{name: "missing token", token: token.CachedToken{ExpiresAt: testNow.Add(time.Hour).Unix()}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.token.ValidAt(testNow, tc.margin))
		})
	}
}

func TestManager_RefreshesWhenNoToken(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fetcher := &countingFetcher{lifetime: 9 * time.Hour}

	m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

	tok, err := m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	record, found, err := store.Get(ctx, token.DefaultKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, token.CachedToken{Token: "token-1", ExpiresAt: testNow.Add(9 * time.Hour).Unix()}, record)
}

func TestManager_ExpiryDecidesRefresh(t *testing.T) {
	cases := []struct {
		name      string
		expiresAt time.Time
		margin    time.Duration
		fetches   int32
		expected  string
	}{
		{name: "expired", expiresAt: testNow.Add(-time.Minute), fetches: 1, expected: "token-1"},
		{name: "expires now", expiresAt: testNow, fetches: 1, expected: "token-1"},
		{name: "valid", expiresAt: testNow.Add(365 * 24 * time.Hour), fetches: 0, expected: "cached"},
		{name: "seconds left", expiresAt: testNow.Add(10 * time.Second), fetches: 0, expected: "cached"},
		{name: "inside configured margin", expiresAt: testNow.Add(10 * time.Second), margin: 30 * time.Second, fetches: 1, expected: "token-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			require.NoError(t, store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "cached", ExpiresAt: tc.expiresAt.Unix()}))

			fetcher := &countingFetcher{lifetime: time.Hour}
			m := token.NewManager(store, fetcher, token.WithClock(fixedClock), token.WithExpiryMargin(tc.margin))

			tok, err := m.Token(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tok)
			assert.Equal(t, tc.fetches, fetcher.calls.Load())
		})
	}
}

func TestManager_DefaultMarginNeverRefreshesFutureToken(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "cached", ExpiresAt: testNow.Add(time.Second).Unix()}))

	fetcher := &countingFetcher{lifetime: time.Hour}
	m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

	require.NoError(t, m.EnsureValid(ctx))
	assert.Equal(t, int32(0), fetcher.calls.Load())
}

func TestManager_EnsureValidIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{lifetime: time.Hour}
	m := token.NewManager(newStore(t), fetcher, token.WithClock(fixedClock))

	require.NoError(t, m.EnsureValid(ctx))
	require.NoError(t, m.EnsureValid(ctx))
	require.NoError(t, m.EnsureValid(ctx))

	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "stale", ExpiresAt: testNow.Add(-time.Hour).Unix()}))

	fetcher := &countingFetcher{lifetime: time.Hour, delay: 50 * time.Millisecond}
	m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

	const callers = 50
	tokens := make([]string, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			<-start
			tokens[i], errs[i] = m.Token(ctx)
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}

	record, found, err := store.Get(ctx, token.DefaultKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, token.CachedToken{Token: "token-1", ExpiresAt: testNow.Add(time.Hour).Unix()}, record)
}

func TestManager_RefreshFailure(t *testing.T) {
	t.Run("auth errors are returned as is", func(t *testing.T) {
		cause := &token.AuthError{Err: errors.New("invalid_client")}
		m := token.NewManager(newStore(t), &countingFetcher{err: cause}, token.WithClock(fixedClock))

		_, err := m.Token(context.Background())

		var authErr *token.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Same(t, cause, authErr)
	})

	t.Run("other errors become auth errors", func(t *testing.T) {
		cause := errors.New("boom")
		m := token.NewManager(newStore(t), &countingFetcher{err: cause}, token.WithClock(fixedClock))

		err := m.EnsureValid(context.Background())

		var authErr *token.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("nothing is stored", func(t *testing.T) {
		store := newStore(t)
		m := token.NewManager(store, &countingFetcher{err: errors.New("boom")}, token.WithClock(fixedClock))

		_ = m.EnsureValid(context.Background())

		_, found, err := store.Get(context.Background(), token.DefaultKey)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestManager_UnreadableStoreTriggersRefresh(t *testing.T) {
	store := &brokenStore{getErr: errors.New("undecodable record")}
	fetcher := &countingFetcher{lifetime: time.Hour}
	m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, 1, store.sets)
}

func TestManager_StoreWriteFailureStillReturnsToken(t *testing.T) {
	store := &brokenStore{setErr: errors.New("read only")}
	m := token.NewManager(store, &countingFetcher{lifetime: time.Hour}, token.WithClock(fixedClock))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
}

func TestManager_Refresh(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "cached", ExpiresAt: testNow.Add(time.Hour).Unix()}))

	fetcher := &countingFetcher{lifetime: 2 * time.Hour}
	m := token.NewManager(store, fetcher, token.WithClock(fixedClock), token.WithKey(token.DefaultKey))

	refreshed, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, token.CachedToken{Token: "token-1", ExpiresAt: testNow.Add(2 * time.Hour).Unix()}, refreshed)

	record, _, err := store.Get(ctx, token.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, refreshed, record)
}

func TestManager_RefreshJoinsTokenRefresh(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{lifetime: time.Hour, delay: 50 * time.Millisecond}
	m := token.NewManager(newStore(t), fetcher, token.WithClock(fixedClock))

	var (
		wg        sync.WaitGroup
		tok       string
		tokErr    error
		refreshed token.CachedToken
		refErr    error
	)
	start := make(chan struct{})
	wg.Go(func() {
		<-start
		tok, tokErr = m.Token(ctx)
	})
	wg.Go(func() {
		<-start
		refreshed, refErr = m.Refresh(ctx)
	})
	close(start)
	wg.Wait()

	require.NoError(t, tokErr)
	require.NoError(t, refErr)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, tok, refreshed.Token)
}

func TestManager_RefreshUsesCrossProcessLock(t *testing.T) {
	t.Run("takes and releases the lock", func(t *testing.T) {
		store := &lockingStore{Memory: newMemory(t)}
		m := token.NewManager(store, &countingFetcher{lifetime: time.Hour}, token.WithClock(fixedClock))

		_, err := m.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, store.acquired)
		assert.Equal(t, 1, store.released)
	})

	t.Run("ignores the token being replaced while waiting", func(t *testing.T) {
		ctx := context.Background()
		store := &lockingStore{Memory: newMemory(t), contended: true}
		require.NoError(t, store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "current", ExpiresAt: testNow.Add(time.Hour).Unix()}))

		fetcher := &countingFetcher{lifetime: time.Hour}
		m := token.NewManager(store, fetcher,
			token.WithClock(fixedClock),
			token.WithPollInterval(5*time.Millisecond),
			token.WithFetchTimeout(2*time.Second),
		)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "peer", ExpiresAt: testNow.Add(2 * time.Hour).Unix()})
		}()

		refreshed, err := m.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, "peer", refreshed.Token)
		assert.Equal(t, int32(0), fetcher.calls.Load())
	})
}

func TestManager_CallerCancellation(t *testing.T) {
	store := newStore(t)
	fetcher := &countingFetcher{lifetime: time.Hour, delay: 200 * time.Millisecond}
	m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Token(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the shared refresh is not abandoned with the caller
	assert.Eventually(t, func() bool {
		_, found, _ := store.Get(context.Background(), token.DefaultKey)
		return found
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestManager_FetchTimeout(t *testing.T) {
	fetcher := &countingFetcher{lifetime: time.Hour, delay: time.Second, honourContext: true}
	m := token.NewManager(newStore(t), fetcher,
		token.WithClock(fixedClock),
		token.WithFetchTimeout(30*time.Millisecond),
	)

	_, err := m.Token(context.Background())

	var authErr *token.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_CrossProcessLock(t *testing.T) {
	t.Run("waits for the lock holder's token", func(t *testing.T) {
		ctx := context.Background()
		store := &lockingStore{Memory: newMemory(t), contended: true}
		fetcher := &countingFetcher{lifetime: time.Hour}

		m := token.NewManager(store, fetcher,
			token.WithClock(fixedClock),
			token.WithPollInterval(5*time.Millisecond),
			token.WithFetchTimeout(2*time.Second),
		)

		// another process stores its token shortly after
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = store.Set(ctx, token.DefaultKey, token.CachedToken{Token: "peer", ExpiresAt: testNow.Add(time.Hour).Unix()})
		}()

		tok, err := m.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "peer", tok)
		assert.Equal(t, int32(0), fetcher.calls.Load())
	})

	t.Run("fetches when the lock holder produces nothing", func(t *testing.T) {
		store := &lockingStore{Memory: newMemory(t), contended: true}
		fetcher := &countingFetcher{lifetime: time.Hour}

		m := token.NewManager(store, fetcher,
			token.WithClock(fixedClock),
			token.WithPollInterval(5*time.Millisecond),
			token.WithFetchTimeout(100*time.Millisecond),
		)

		tok, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-1", tok)
		assert.Equal(t, int32(1), fetcher.calls.Load())
	})

	t.Run("releases an acquired lock", func(t *testing.T) {
		store := &lockingStore{Memory: newMemory(t)}
		fetcher := &countingFetcher{lifetime: time.Hour}

		m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

		_, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, store.acquired)
		assert.Equal(t, 1, store.released)
	})

	t.Run("proceeds when the lock errors", func(t *testing.T) {
		store := &lockingStore{Memory: newMemory(t), lockErr: errors.New("connection refused")}
		fetcher := &countingFetcher{lifetime: time.Hour}

		m := token.NewManager(store, fetcher, token.WithClock(fixedClock))

		tok, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-1", tok)
	})
}

// -- test helpers --

func newMemory(t *testing.T) *cache.Memory[token.CachedToken] {
	t.Helper()
	m, err := cache.NewMemory[token.CachedToken](time.Hour, 10)
	require.NoError(t, err)
	return m
}

func newStore(t *testing.T) cache.TokenCache[token.CachedToken] {
	return newMemory(t)
}

// countingFetcher issues sequential tokens ("token-1", "token-2", ...).
type countingFetcher struct {
	calls         atomic.Int32
	lifetime      time.Duration
	delay         time.Duration
	honourContext bool
	err           error
}

func (f *countingFetcher) Fetch(ctx context.Context) (string, time.Duration, error) {
	n := f.calls.Add(1)

	if f.delay > 0 {
		if f.honourContext {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
		} else {
			time.Sleep(f.delay)
		}
	}

	if f.err != nil {
		return "", 0, f.err
	}

	return "token-" + string(rune('0'+n)), f.lifetime, nil
}

// brokenStore fails reads or writes.
type brokenStore struct {
	getErr error
	setErr error
	sets   int
}

func (b *brokenStore) Get(context.Context, string) (token.CachedToken, bool, error) {
	return token.CachedToken{}, false, b.getErr
}

func (b *brokenStore) Set(context.Context, string, token.CachedToken) error {
	b.sets++
	return b.setErr
}

func (b *brokenStore) Invalidate(context.Context, string) error { return nil }

func (b *brokenStore) Close() error { return nil }

// lockingStore is a memory store with a scripted refresh lock.
type lockingStore struct {
	*cache.Memory[token.CachedToken]

	mu        sync.Mutex
	contended bool
	lockErr   error
	acquired  int
	released  int
}

func (l *lockingStore) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockErr != nil {
		return nil, false, l.lockErr
	}
	if l.contended {
		return nil, false, nil
	}

	l.acquired++
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	}, true, nil
}
