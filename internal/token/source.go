package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Fetcher obtains a new access token from the payment processor, returning
// the token and how long it remains valid.
type Fetcher interface {
	Fetch(ctx context.Context) (string, time.Duration, error)
}

// SourceOption configures a Source.
type SourceOption func(*sourceOptions)

type sourceOptions struct {
	httpClient *http.Client
	attempts   uint
	newBackOff func() backoff.BackOff
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) SourceOption {
	return func(o *sourceOptions) {
		o.httpClient = client
	}
}

// WithAttempts bounds the number of times the token endpoint is tried when
// the transport fails. Values below 1 are treated as 1.
func WithAttempts(attempts uint) SourceOption {
	return func(o *sourceOptions) {
		o.attempts = max(attempts, 1)
	}
}

// WithBackOff sets the delay policy between attempts.
func WithBackOff(newBackOff func() backoff.BackOff) SourceOption {
	return func(o *sourceOptions) {
		o.newBackOff = newBackOff
	}
}

// Source fetches tokens with the OAuth2 client credentials grant: a POST to
// {base}/v1/oauth2/token with the client id and secret as Basic auth and
// grant_type=client_credentials in the body.
type Source struct {
	config     clientcredentials.Config
	httpClient *http.Client
	attempts   uint
	newBackOff func() backoff.BackOff
}

// NewSource creates a Source for the processor API at baseURL.
func NewSource(baseURL, clientID, clientSecret string, opts ...SourceOption) *Source {
	options := &sourceOptions{
		httpClient: http.DefaultClient,
		attempts:   3,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Source{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     strings.TrimSuffix(baseURL, "/") + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: options.httpClient,
		attempts:   options.attempts,
		newBackOff: options.newBackOff,
	}
}

// Fetch requests a new token. Transport failures are retried up to the
// configured number of attempts; a response from the processor, successful or
// not, ends the attempts. Every failure is returned as an *AuthError.
func (s *Source) Fetch(ctx context.Context) (string, time.Duration, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	attempt := 0
	operation := func() (*oauth2.Token, error) {
		attempt++

		tok, err := s.config.Token(ctx)
		if err == nil {
			return tok, nil
		}

		var urlErr *url.Error
		if !errors.As(err, &urlErr) {
			return nil, backoff.Permanent(err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("token endpoint unreachable")
		return nil, err
	}

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.attempts),
	)
	if err != nil {
		return "", 0, &AuthError{Err: err}
	}

	if tok.Expiry.IsZero() {
		return "", 0, &AuthError{Err: errors.New("token response is missing expires_in")}
	}

	lifetime := time.Until(tok.Expiry).Round(time.Second)
	if lifetime <= 0 {
		return "", 0, &AuthError{Err: fmt.Errorf("token response expires_in is not positive (%s)", lifetime)}
	}

	return tok.AccessToken, lifetime, nil
}
