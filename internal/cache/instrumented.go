package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheMeter      metric.Meter
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
	cacheRequests   metric.Int64ObservableCounter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/checkout-bridge/internal/cache")
		cacheMeter = meter

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheRequests, err = meter.Int64ObservableCounter(
			"cache.requests",
			metric.WithDescription("Lookups counted by the in-process cache, by result"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// statsReporter is implemented by caches that count their own hits and
// misses.
type statsReporter interface {
	Stats() (hits, misses uint64)
}

// Instrumented wraps a TokenCache with metrics instrumentation. When the
// wrapped cache is a Locker, lock attempts are forwarded and counted too.
// When it reports its own statistics, they are published as cache.requests.
type Instrumented[T any] struct {
	wrapped   TokenCache[T]
	cacheType string
	reporter  statsReporter
	stats     metric.Registration
}

// NewInstrumented creates an instrumented cache wrapper.
func NewInstrumented[T any](cache TokenCache[T], cacheType string) *Instrumented[T] {
	initMetrics()
	i := &Instrumented[T]{
		wrapped:   cache,
		cacheType: cacheType,
	}

	if reporter, ok := cache.(statsReporter); ok && cacheRequests != nil {
		i.reporter = reporter
		reg, err := cacheMeter.RegisterCallback(i.observeStats, cacheRequests)
		if err != nil {
			otel.Handle(err)
		} else {
			i.stats = reg
		}
	}

	return i
}

// Get retrieves a record from the cache.
func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	duration := time.Since(start)
	i.recordDuration(ctx, "get", duration)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.recordOperation(ctx, "get", status)
	i.setSpanAttributes(ctx, "get", status, duration)

	return value, found, err
}

// Set stores a record in the cache.
func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()

	err := i.wrapped.Set(ctx, key, value)

	duration := time.Since(start)
	i.recordDuration(ctx, "set", duration)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.recordOperation(ctx, "set", status)
	i.setSpanAttributes(ctx, "set", status, duration)

	return err
}

// Invalidate removes a record from the cache.
func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()

	err := i.wrapped.Invalidate(ctx, key)

	duration := time.Since(start)
	i.recordDuration(ctx, "invalidate", duration)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.recordOperation(ctx, "invalidate", status)
	i.setSpanAttributes(ctx, "invalidate", status, duration)

	return err
}

// TryLock forwards to the wrapped cache. A cache that cannot lock across
// processes always grants the lock: only one process is using it.
func (i *Instrumented[T]) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	locker, ok := i.wrapped.(Locker)
	if !ok {
		return func(context.Context) error { return nil }, true, nil
	}

	start := time.Now()

	release, acquired, err := locker.TryLock(ctx, name, ttl)

	duration := time.Since(start)
	i.recordDuration(ctx, "lock", duration)

	status := "contended"
	if err != nil {
		status = "error"
	} else if acquired {
		status = "acquired"
	}
	i.recordOperation(ctx, "lock", status)
	i.setSpanAttributes(ctx, "lock", status, duration)

	return release, acquired, err
}

// Close releases any resources held by the cache.
func (i *Instrumented[T]) Close() error {
	if i.stats != nil {
		if err := i.stats.Unregister(); err != nil {
			otel.Handle(err)
		}
	}
	return i.wrapped.Close()
}

func (i *Instrumented[T]) observeStats(_ context.Context, o metric.Observer) error {
	if i.reporter == nil {
		return nil
	}
	hits, misses := i.reporter.Stats()

	o.ObserveInt64(cacheRequests, int64(hits), metric.WithAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache.result", "hit"),
	))
	o.ObserveInt64(cacheRequests, int64(misses), metric.WithAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache.result", "miss"),
	))

	return nil
}

func (i *Instrumented[T]) recordOperation(ctx context.Context, operation, status string) {
	if cacheOperations == nil {
		return
	}
	cacheOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache.type", i.cacheType),
			attribute.String("cache.operation", operation),
			attribute.String("cache.status", status),
		),
	)
}

func (i *Instrumented[T]) recordDuration(ctx context.Context, operation string, duration time.Duration) {
	if cacheDuration == nil {
		return
	}
	cacheDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("cache.type", i.cacheType),
			attribute.String("cache.operation", operation),
		),
	)
}

func (i *Instrumented[T]) setSpanAttributes(ctx context.Context, operation, status string, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
