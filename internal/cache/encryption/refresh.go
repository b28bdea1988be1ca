package encryption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often a keyset is reloaded from its source.
const DefaultRefreshInterval = 15 * time.Minute

// aeadLoader produces an AEAD from key material held outside the process.
type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// RefreshableAEAD is a tink.AEAD that reloads its keyset on an interval, so
// keys can be rotated without restarting. A failed reload keeps the current
// keyset in use.
type RefreshableAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRefreshableAEAD loads a KMS-encrypted keyset from Secrets Manager and
// reloads it every DefaultRefreshInterval.
func NewRefreshableAEAD(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string, opts ...AWSOption) (*RefreshableAEAD, error) {
	loader := func(ctx context.Context) (tink.AEAD, error) {
		return NewAEADFromKMS(ctx, keysetURI, kmsEnvelopeKeyURI, opts...)
	}

	return newRefreshableAEAD(ctx, loader, DefaultRefreshInterval)
}

// NewRefreshableAEADFromFile loads a cleartext keyset from disk and reloads
// it every DefaultRefreshInterval, picking up a replaced file.
func NewRefreshableAEADFromFile(ctx context.Context, path string) (*RefreshableAEAD, error) {
	loader := func(context.Context) (tink.AEAD, error) {
		return NewAEADFromFile(path)
	}

	return newRefreshableAEAD(ctx, loader, DefaultRefreshInterval)
}

func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial AEAD: %w", err)
	}

	// the refresh loop outlives the constructor's context, stopping only on Close
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r := &RefreshableAEAD{
		aead:   initial,
		loader: loader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.refreshLoop(loopCtx, interval)

	return r, nil
}

// Encrypt delegates to the current AEAD.
func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Encrypt(plaintext, associatedData)
}

// Decrypt delegates to the current AEAD.
func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Decrypt(ciphertext, associatedData)
}

// Close stops the refresh loop, cancelling any reload in progress, and waits
// for it to exit. It is safe to call more than once.
func (r *RefreshableAEAD) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *RefreshableAEAD) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RefreshableAEAD) refresh(ctx context.Context) {
	next, err := r.loader(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().
			Err(err).
			Msg("failed to refresh encryption keyset, continuing with current keyset")
		return
	}

	r.mu.Lock()
	r.aead = next
	r.mu.Unlock()

	log.Debug().Msg("encryption keyset refreshed")
}
