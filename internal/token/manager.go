package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chinmina/checkout-bridge/internal/cache"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKey          = "paypal_token"
	DefaultExpiryMargin = time.Duration(0)
	DefaultFetchTimeout = 30 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

var (
	metricsOnce   sync.Once
	refreshCount  metric.Int64Counter
	refreshLength metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/checkout-bridge/internal/token")

		var err error
		refreshCount, err = meter.Int64Counter(
			"token.refresh",
			metric.WithDescription("Access token refreshes by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		refreshLength, err = meter.Float64Histogram(
			"token.refresh.duration",
			metric.WithDescription("Time taken to obtain a new access token"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Option configures a Manager.
type Option func(*Manager)

// WithKey sets the token store key the record is kept under.
func WithKey(key string) Option {
	return func(m *Manager) {
		m.key = key
	}
}

// WithExpiryMargin refreshes tokens this long before they expire. The default
// of zero only refreshes once the expiry has passed.
func WithExpiryMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.margin = max(margin, 0)
	}
}

// WithFetchTimeout bounds a refresh, including time spent waiting on another
// process holding the refresh lock.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.fetchTimeout = timeout
	}
}

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithPollInterval sets how often the store is checked while another process
// holds the refresh lock.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = interval
	}
}

// Manager keeps a valid access token in the token store, fetching a new one
// when the stored token is missing or expired.
//
// Within a process, concurrent refreshes collapse into a single fetch. When
// the store is shared between processes and can lock (see cache.Locker), the
// refresh is also gated across processes.
type Manager struct {
	store   cache.TokenCache[CachedToken]
	locker  cache.Locker
	fetcher Fetcher
	group   singleflight.Group

	key          string
	margin       time.Duration
	fetchTimeout time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewManager creates a Manager over the given store.
func NewManager(store cache.TokenCache[CachedToken], fetcher Fetcher, opts ...Option) *Manager {
	initMetrics()

	m := &Manager{
		store:        store,
		fetcher:      fetcher,
		key:          DefaultKey,
		margin:       DefaultExpiryMargin,
		fetchTimeout: DefaultFetchTimeout,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if locker, ok := store.(cache.Locker); ok {
		m.locker = locker
	}

	// waiting on another process uses at most half the fetch timeout, leaving
	// the rest for a fetch of our own
	m.lockTTL = m.fetchTimeout / 2

	return m
}

// EnsureValid makes sure the store holds a valid token, refreshing it when
// it is missing, unreadable or expired.
func (m *Manager) EnsureValid(ctx context.Context) error {
	_, err := m.Token(ctx)
	return err
}

// Token returns a valid access token, refreshing the stored token first if
// necessary.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if current, ok := m.current(ctx); ok {
		zerolog.Ctx(ctx).Debug().
			Time("expiry", current.Expiry()).
			Msg("hit: cached access token is valid")
		return current.Token, nil
	}

	refreshed, err := m.share(ctx, m.key, func(flightCtx context.Context) (CachedToken, error) {
		// a flight that finished just before this one started may already
		// have stored a valid token
		if current, ok := m.current(flightCtx); ok {
			return current, nil
		}
		return m.refreshGated(flightCtx, "")
	})
	if err != nil {
		return "", err
	}

	return refreshed.Token, nil
}

// Refresh replaces the stored token with a newly fetched one, whether or not
// the stored token is still valid. It joins any refresh already in flight in
// this process, and takes the same cross-process lock as Token.
func (m *Manager) Refresh(ctx context.Context) (CachedToken, error) {
	return m.share(ctx, m.key, func(flightCtx context.Context) (CachedToken, error) {
		var replacing string
		if current, ok := m.current(flightCtx); ok {
			replacing = current.Token
		}
		return m.refreshGated(flightCtx, replacing)
	})
}

// current reads the stored record, reporting whether it is usable. Read
// failures and undecodable records count as absent so that a refresh
// overwrites them.
func (m *Manager) current(ctx context.Context) (CachedToken, bool) {
	record, found, err := m.store.Get(ctx, m.key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", m.key).Msg("token store read failed, treating token as absent")
		return CachedToken{}, false
	}
	if !found {
		return CachedToken{}, false
	}

	return record, record.ValidAt(m.now(), m.margin)
}

// share runs fn once for all concurrent callers using the same key. The work
// is detached from any one caller's cancellation and bounded by the fetch
// timeout; each caller stops waiting when its own context ends.
func (m *Manager) share(ctx context.Context, key string, fn func(context.Context) (CachedToken, error)) (CachedToken, error) {
	results := m.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
		defer cancel()

		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		return CachedToken{}, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return CachedToken{}, res.Err
		}
		return res.Val.(CachedToken), nil
	}
}

// refreshGated fetches a new token, first taking the cross-process refresh
// lock when the store has one. A process that finds the lock held waits for
// the holder's token to appear, and fetches its own only if none does before
// the lock would have expired. The token being replaced, if any, never counts
// as the holder's.
func (m *Manager) refreshGated(ctx context.Context, replacing string) (CachedToken, error) {
	if m.locker == nil {
		return m.fetchAndStore(ctx)
	}

	logger := zerolog.Ctx(ctx)

	release, acquired, err := m.locker.TryLock(ctx, m.key, m.lockTTL)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("refresh lock unavailable, refreshing without it")

	case acquired:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("failed to release refresh lock")
			}
		}()

	default:
		if peer, ok := m.awaitPeer(ctx, replacing); ok {
			logger.Debug().Msg("token refreshed by another process")
			return peer, nil
		}
		logger.Info().Msg("no token from lock holder, refreshing")
	}

	return m.fetchAndStore(ctx)
}

// awaitPeer polls the store until a valid token other than replacing appears
// or the lock held by another process would have expired.
func (m *Manager) awaitPeer(ctx context.Context, replacing string) (CachedToken, bool) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(m.lockTTL)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return CachedToken{}, false
		case <-deadline.C:
			return CachedToken{}, false
		case <-ticker.C:
			if current, ok := m.current(ctx); ok && current.Token != replacing {
				return current, true
			}
		}
	}
}

func (m *Manager) fetchAndStore(ctx context.Context) (CachedToken, error) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	token, lifetime, err := m.fetcher.Fetch(ctx)
	m.recordRefresh(ctx, time.Since(start), err)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Err: err}
		}
		logger.Error().Err(err).Msg("access token refresh failed")
		return CachedToken{}, err
	}

	refreshed := CachedToken{
		Token:     token,
		ExpiresAt: m.now().Add(lifetime).Unix(),
	}

	// a failed write still leaves a usable token for this caller; the next
	// request refreshes again
	if err := m.store.Set(ctx, m.key, refreshed); err != nil {
		logger.Error().Err(err).Str("key", m.key).Msg("failed to store refreshed access token")
	}

	logger.Info().
		Time("expiry", refreshed.Expiry()).
		Dur("lifetime", lifetime).
		Msg("access token refreshed")

	return refreshed, nil
}

func (m *Manager) recordRefresh(ctx context.Context, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("token.refresh.outcome", outcome))

	if refreshCount != nil {
		refreshCount.Add(ctx, 1, attrs)
	}
	if refreshLength != nil {
		refreshLength.Record(ctx, duration.Seconds(), attrs)
	}
}
