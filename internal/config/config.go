package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

type Config struct {
	Cache     CacheConfig
	Checkout  CheckoutConfig
	Observe   ObserveConfig
	Processor ProcessorConfig
	Server    ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`

	// CORSAllowedOrigins lists the browser origins permitted to call the /api
	// routes.
	CORSAllowedOrigins []string `env:"SERVER_CORS_ALLOWED_ORIGINS, default=http://localhost"`
}

// ProcessorConfig holds the payment processor (PayPal) API settings.
type ProcessorConfig struct {
	APIURL string `env:"PAYPAL_API_URL, default=https://api.sandbox.paypal.com"`

	ClientID     string `env:"PAYPAL_CLIENT_ID"`
	ClientSecret string `env:"PAYPAL_SECRET_ID"`

	// TokenKey is the token store key the current access token is recorded
	// under.
	TokenKey string `env:"PAYPAL_TOKEN_KEY, default=paypal_token"`

	// TokenExpiryMargin refreshes tokens this long before the processor would
	// reject them. Zero only refreshes once the expiry has passed.
	TokenExpiryMargin time.Duration `env:"PAYPAL_TOKEN_EXPIRY_MARGIN, default=0s"`

	// TokenFetchAttempts bounds the attempts made to reach the token endpoint
	// when the transport fails.
	TokenFetchAttempts uint `env:"PAYPAL_TOKEN_FETCH_ATTEMPTS, default=3"`

	RequestTimeout time.Duration `env:"PAYPAL_REQUEST_TIMEOUT, default=30s"`
}

// CheckoutConfig describes the purchase payloads sent to the processor.
type CheckoutConfig struct {
	Currency    string          `env:"CHECKOUT_CURRENCY, default=USD"`
	ShippingFee decimal.Decimal `env:"CHECKOUT_SHIPPING_FEE, default=0.30"`
	ReturnURL   string          `env:"CHECKOUT_RETURN_URL, default=http://localhost?success=true"`
	CancelURL   string          `env:"CHECKOUT_CANCEL_URL, default=http://localhost?cancel=true"`

	// ProfileFile optionally points at a YAML document overriding the item
	// and description text of the payloads.
	ProfileFile string `env:"CHECKOUT_PROFILE_FILE"`

	// Profile is loaded from ProfileFile, or defaulted.
	Profile CheckoutProfile
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default) or "valkey"
	Type string `env:"CACHE_TYPE, default=memory"`

	// Retention is how long the store keeps a token record. Token expiry is
	// tracked separately inside the record, so this only needs to outlive the
	// token lifetime.
	Retention time.Duration `env:"CACHE_RETENTION, default=24h"`

	// Valkey holds distributed cache settings.
	Valkey ValkeyConfig

	// Encryption holds cache encryption settings.
	// Only supported with valkey cache type.
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies distributed cache configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`
}

// CacheEncryptionConfig holds settings for cache encryption.
type CacheEncryptionConfig struct {
	// Enabled turns on encryption for cached tokens.
	// Requires CACHE_TYPE=valkey.
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a path to a cleartext Tink keyset. Intended for local
	// development and tests; takes precedence over KeysetURI.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`

	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"CACHE_ENCRYPTION_KEYSET_URI"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=checkout-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

// ConfigError reports configuration that prevents the service from starting.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Processor.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid processor configuration: %w", err)
	}

	err = cfg.Checkout.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid checkout configuration: %w", err)
	}

	cfg.Checkout.Profile, err = LoadCheckoutProfile(cfg.Checkout.ProfileFile)
	if err != nil {
		return cfg, fmt.Errorf("invalid checkout profile: %w", err)
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the processor credentials are present. Missing
// credentials are fatal: no token could ever be issued.
func (c *ProcessorConfig) Validate() error {
	if c.ClientID == "" {
		return &ConfigError{Setting: "PAYPAL_CLIENT_ID", Reason: "is required"}
	}
	if c.ClientSecret == "" {
		return &ConfigError{Setting: "PAYPAL_SECRET_ID", Reason: "is required"}
	}
	if c.TokenFetchAttempts == 0 {
		return &ConfigError{Setting: "PAYPAL_TOKEN_FETCH_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.RequestTimeout <= 0 {
		return &ConfigError{Setting: "PAYPAL_REQUEST_TIMEOUT", Reason: "must be positive"}
	}
	return nil
}

// Validate checks the checkout currency is a known ISO 4217 code and the
// shipping fee is not negative.
func (c *CheckoutConfig) Validate() error {
	unit, err := currency.ParseISO(c.Currency)
	if err != nil {
		return &ConfigError{Setting: "CHECKOUT_CURRENCY", Reason: fmt.Sprintf("%q is not an ISO 4217 code", c.Currency)}
	}
	// normalise casing: the processor expects upper case codes
	c.Currency = unit.String()

	if c.ShippingFee.IsNegative() {
		return &ConfigError{Setting: "CHECKOUT_SHIPPING_FEE", Reason: "must not be negative"}
	}

	return nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	if c.Type != "memory" && c.Type != "valkey" {
		return &ConfigError{Setting: "CACHE_TYPE", Reason: fmt.Sprintf("%q must be either \"memory\" or \"valkey\"", c.Type)}
	}

	// Encryption requires distributed cache
	if c.Encryption.Enabled && c.Type != "valkey" {
		return errors.New("cache encryption requires CACHE_TYPE=valkey")
	}

	// Encryption requires a keyset source
	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		if c.Encryption.KeysetURI == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KEYSET_URI required when encryption enabled")
		}
		if c.Encryption.KMSEnvelopeKeyURI == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI required when encryption enabled")
		}
	}

	// Valkey requires address
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
	}

	return nil
}
