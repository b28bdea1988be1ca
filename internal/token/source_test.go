package token_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chinmina/checkout-bridge/internal/testhelpers"
	"github.com/chinmina/checkout-bridge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDelay() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func TestSource_Fetch(t *testing.T) {
	mock := testhelpers.SetupMockPayPalServer(t)

	source := token.NewSource(mock.URL(), "client-id", "client-secret")

	tok, lifetime, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testhelpers.MockAccessToken, tok)
	assert.InDelta(t, (9 * time.Hour).Seconds(), lifetime.Seconds(), 2)

	requests := mock.Requests("/v1/oauth2/token")
	require.Len(t, requests, 1)

	req := requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "client_credentials", req.Form.Get("grant_type"))

	expectedAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("client-id:client-secret"))
	assert.Equal(t, expectedAuth, req.Authorization)
}

func TestSource_Fetch_TrailingSlashBaseURL(t *testing.T) {
	mock := testhelpers.SetupMockPayPalServer(t)

	source := token.NewSource(mock.URL()+"/", "client-id", "client-secret")

	_, _, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.TokenRequests())
}

func TestSource_Fetch_Failures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*testhelpers.MockPayPalServer)
	}{
		{
			name:  "rejected credentials",
			setup: func(m *testhelpers.MockPayPalServer) { m.TokenStatus = http.StatusUnauthorized },
		},
		{
			name:  "server error",
			setup: func(m *testhelpers.MockPayPalServer) { m.TokenStatus = http.StatusInternalServerError },
		},
		{
			name:  "missing access token",
			setup: func(m *testhelpers.MockPayPalServer) { m.Token = "" },
		},
		{
			name:  "missing expires_in",
			setup: func(m *testhelpers.MockPayPalServer) { m.ExpiresIn = -1 },
		},
		{
			name:  "zero expires_in",
			setup: func(m *testhelpers.MockPayPalServer) { m.ExpiresIn = 0 },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := testhelpers.SetupMockPayPalServer(t)
			tc.setup(mock)

			source := token.NewSource(mock.URL(), "client-id", "client-secret", token.WithBackOff(noDelay))

			_, _, err := source.Fetch(context.Background())

			var authErr *token.AuthError
			require.ErrorAs(t, err, &authErr)

			// a response from the processor is never retried
			assert.Equal(t, 1, mock.TokenRequests())
		})
	}
}

func TestSource_Fetch_RetriesTransportFailures(t *testing.T) {
	t.Run("gives up after the configured attempts", func(t *testing.T) {
		transport := &flakyTransport{failures: 10}
		source := token.NewSource("http://paypal.invalid", "client-id", "client-secret",
			token.WithHTTPClient(&http.Client{Transport: transport}),
			token.WithAttempts(3),
			token.WithBackOff(noDelay),
		)

		_, _, err := source.Fetch(context.Background())

		var authErr *token.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, int32(3), transport.calls.Load())
	})

	t.Run("recovers from a transient failure", func(t *testing.T) {
		mock := testhelpers.SetupMockPayPalServer(t)
		transport := &flakyTransport{failures: 1, next: http.DefaultTransport}

		source := token.NewSource(mock.URL(), "client-id", "client-secret",
			token.WithHTTPClient(&http.Client{Transport: transport}),
			token.WithBackOff(noDelay),
		)

		tok, _, err := source.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testhelpers.MockAccessToken, tok)
		assert.Equal(t, int32(2), transport.calls.Load())
		assert.Equal(t, 1, mock.TokenRequests())
	})
}

func TestAuthError_Status(t *testing.T) {
	err := &token.AuthError{Err: errors.New("invalid_client")}

	status, msg := err.Status()
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "payment processor unavailable", msg)
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestManagerWithSource_OneAuthCallPerExpiry(t *testing.T) {
	mock := testhelpers.SetupMockPayPalServer(t)
	mock.TokenDelay = 20 * time.Millisecond

	source := token.NewSource(mock.URL(), "client-id", "client-secret")
	m := token.NewManager(newStore(t), source)

	ctx := context.Background()
	for range 5 {
		tok, err := m.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, testhelpers.MockAccessToken, tok)
	}

	assert.Equal(t, 1, mock.TokenRequests())
}

// flakyTransport fails the first failures requests, then forwards to next.
type flakyTransport struct {
	failures int32
	next     http.RoundTripper
	calls    atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures || f.next == nil {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}
