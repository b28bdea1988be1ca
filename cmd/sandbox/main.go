// This command is only used for local testing: it creates an order against
// the processor sandbox with the configured credentials, exercising the same
// token and payment path as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chinmina/checkout-bridge/internal/cache"
	"github.com/chinmina/checkout-bridge/internal/config"
	"github.com/chinmina/checkout-bridge/internal/paypal"
	"github.com/chinmina/checkout-bridge/internal/token"
	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	Processor config.ProcessorConfig
	Checkout  config.CheckoutConfig

	Total string `env:"UTIL_ORDER_TOTAL, default=1.00"`
}

func main() {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	total, err := decimal.NewFromString(cfg.Total)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading order total: %v\n", err)
		os.Exit(1)
	}

	store, err := cache.NewMemory[token.CachedToken](time.Hour, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating token store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	source := token.NewSource(cfg.Processor.APIURL, cfg.Processor.ClientID, cfg.Processor.ClientSecret)
	manager := token.NewManager(store, source)
	client := paypal.New(cfg.Processor.APIURL, manager, cfg.Checkout)

	result, err := client.CreateOrder(ctx, total)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating order: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "processor status: %d\n", result.StatusCode)
	fmt.Printf("%s\n", result.Body)
}

// loadConfig reads the environment (or lookup, when set) and applies the
// same checkout validation and profile loading as the server.
func loadConfig(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup,
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Checkout.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid checkout configuration: %w", err)
	}

	cfg.Checkout.Profile, err = config.LoadCheckoutProfile(cfg.Checkout.ProfileFile)
	if err != nil {
		return cfg, fmt.Errorf("invalid checkout profile: %w", err)
	}

	return cfg, nil
}
