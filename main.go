package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/chinmina/checkout-bridge/internal/audit"
	"github.com/chinmina/checkout-bridge/internal/cache"
	"github.com/chinmina/checkout-bridge/internal/config"
	"github.com/chinmina/checkout-bridge/internal/observe"
	"github.com/chinmina/checkout-bridge/internal/paypal"
	"github.com/chinmina/checkout-bridge/internal/server"
	"github.com/chinmina/checkout-bridge/internal/token"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.ServerConfig, payments PaymentService) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	apiRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	// legacy payment flow
	mux.Handle("POST /api/payment", apiRouteMiddleware.Then(handleMakePayment(payments)))
	mux.Handle("POST /api/execute", apiRouteMiddleware.Then(handleExecutePayment(payments)))

	// order flow
	mux.Handle("POST /api/paypal/order/create", apiRouteMiddleware.Then(handleCreateOrder(payments)))
	mux.Handle("POST /api/paypal/order/capture", apiRouteMiddleware.Then(handleCaptureOrder(payments)))

	// healthchecks are not included in telemetry or auditing
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return apiCORS(cfg.CORSAllowedOrigins)(mux)
}

// apiCORS answers browser preflight requests and sets CORS headers for the
// /api routes only.
func apiCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	return func(next http.Handler) http.Handler {
		withCORS := c.Handler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				withCORS.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}

	payments, err := configurePayments(ctx, cfg, hooks)
	if err != nil {
		return fmt.Errorf("payment configuration failed: %w", err)
	}

	// telemetry is flushed last so the shutdown of other components is
	// recorded
	hooks.AddContext("telemetry", shutdownTelemetry)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           configureServerRoutes(cfg.Server, payments),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.ListenAndServe(ctx, srv, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// configurePayments wires the token store, token manager and processor
// client. Resources needing release are registered with hooks.
func configurePayments(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (*paypal.Client, error) {
	// only a single token record is stored
	store, err := cache.NewFromConfig[token.CachedToken](ctx, cfg.Cache, 10)
	if err != nil {
		return nil, fmt.Errorf("token store configuration failed: %w", err)
	}
	hooks.AddClose("token store", store)

	source := token.NewSource(
		cfg.Processor.APIURL,
		cfg.Processor.ClientID,
		cfg.Processor.ClientSecret,
		token.WithHTTPClient(http.DefaultClient),
		token.WithAttempts(cfg.Processor.TokenFetchAttempts),
	)

	manager := token.NewManager(store, source,
		token.WithKey(cfg.Processor.TokenKey),
		token.WithExpiryMargin(cfg.Processor.TokenExpiryMargin),
		token.WithFetchTimeout(cfg.Processor.RequestTimeout),
	)

	// a failure here is not fatal: the processor may be reachable by the
	// time the first payment request arrives
	if err := manager.EnsureValid(ctx); err != nil {
		log.Warn().Err(err).Msg("initial access token fetch failed")
	}

	return paypal.New(
		cfg.Processor.APIURL,
		manager,
		cfg.Checkout,
		paypal.WithHTTPClient(http.DefaultClient),
		paypal.WithRequestTimeout(cfg.Processor.RequestTimeout),
	), nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
