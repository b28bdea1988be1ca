package cache

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/chinmina/checkout-bridge/internal/cache/encryption"
	"github.com/chinmina/checkout-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// Store is a token cache that can also gate a refresh across processes.
type Store[T any] interface {
	TokenCache[T]
	Locker
}

// NewFromConfig creates the cache selected by configuration, wrapped with
// instrumentation.
//
// The cache type must be either "memory" or "valkey". For "valkey", the
// address must be provided.
func NewFromConfig[T any](
	ctx context.Context,
	cacheConfig config.CacheConfig,
	maxMemorySize int,
) (Store[T], error) {
	switch cacheConfig.Type {
	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing distributed cache")

		if cacheConfig.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress:       []string{cacheConfig.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(cacheConfig.Valkey.Username, cacheConfig.Valkey.Password),
		}

		if cacheConfig.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			valkeyClient.Close()
			return nil, fmt.Errorf("initializing encryption: %w", err)
		}

		distributed, err := NewDistributed[T](valkeyClient, cacheConfig.Retention, strategy)
		if err != nil {
			_ = strategy.Close()
			valkeyClient.Close()
			return nil, fmt.Errorf("failed to create distributed cache: %w", err)
		}

		return NewInstrumented(distributed, "distributed"), nil

	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		memory, err := NewMemory[T](cacheConfig.Retention, maxMemorySize)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return NewInstrumented(memory, "memory"), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be either \"memory\" or \"valkey\"", cacheConfig.Type)
	}
}

// StaticCredentialsFn authenticates every Valkey connection with the same
// username and password. Empty credentials skip AUTH.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}

func newStrategy(ctx context.Context, cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return &NoEncryptionStrategy{}, nil
	}

	var (
		aead *encryption.RefreshableAEAD
		err  error
	)
	switch {
	case cfg.KeysetFile != "":
		aead, err = encryption.NewRefreshableAEADFromFile(ctx, cfg.KeysetFile)
	default:
		aead, err = encryption.NewRefreshableAEAD(ctx, cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Msg("cache encryption enabled with automatic keyset refresh")

	return NewInstrumentedStrategy(NewTinkEncryptionStrategy(aead)), nil
}
