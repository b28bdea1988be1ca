package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// Default identifiers returned by the mock processor.
const (
	MockAccessToken = "A21AAF-mock-access-token"
	MockOrderID     = "ORDER123"
	MockPaymentID   = "PAYID-MOCK123"
)

// RecordedRequest is a request received by the mock processor.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	Form          url.Values
	Body          []byte
}

// MockResponse overrides the canned response of an endpoint.
type MockResponse struct {
	Status int
	Body   string
}

// MockPayPalServer provides a configurable mock of the PayPal REST API:
// the OAuth token endpoint, v2 orders (create/capture) and v1 payments
// (create/execute). Every request is recorded.
type MockPayPalServer struct {
	Server *httptest.Server

	// Token endpoint behaviour.
	Token       string        // access_token to return
	ExpiresIn   int           // expires_in to return; negative omits the field
	TokenStatus int           // status to return (200 if not set)
	TokenDelay  time.Duration // delay before responding

	// Responses overrides the response of an API route, keyed by route
	// pattern (for example "POST /v2/checkout/orders").
	Responses map[string]MockResponse

	mu       sync.Mutex
	requests []RecordedRequest
}

// Route patterns served by the mock.
const (
	RouteToken          = "POST /v1/oauth2/token"
	RouteCreateOrder    = "POST /v2/checkout/orders"
	RouteCaptureOrder   = "POST /v2/checkout/orders/{id}/capture"
	RouteCreatePayment  = "POST /v1/payments/payment"
	RouteExecutePayment = "POST /v1/payments/payment/{id}/execute"
)

var defaultResponses = map[string]MockResponse{
	RouteCreateOrder:    {Status: http.StatusCreated, Body: `{"id":"` + MockOrderID + `","status":"CREATED"}`},
	RouteCaptureOrder:   {Status: http.StatusCreated, Body: `{"id":"` + MockOrderID + `","status":"COMPLETED"}`},
	RouteCreatePayment:  {Status: http.StatusCreated, Body: `{"id":"` + MockPaymentID + `","state":"created"}`},
	RouteExecutePayment: {Status: http.StatusOK, Body: `{"id":"` + MockPaymentID + `","state":"approved"}`},
}

// SetupMockPayPalServer starts a mock processor. It is closed automatically
// when the test completes.
func SetupMockPayPalServer(t *testing.T) *MockPayPalServer {
	t.Helper()

	mock := &MockPayPalServer{
		Token:       MockAccessToken,
		ExpiresIn:   32400,
		TokenStatus: http.StatusOK,
		Responses:   map[string]MockResponse{},
	}

	router := http.NewServeMux()

	router.HandleFunc(RouteToken, func(w http.ResponseWriter, r *http.Request) {
		mock.record(r)

		if mock.TokenDelay > 0 {
			select {
			case <-time.After(mock.TokenDelay):
			case <-r.Context().Done():
				return
			}
		}

		if mock.TokenStatus != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(mock.TokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
			return
		}

		payload := map[string]any{
			"scope":      "https://uri.paypal.com/services/payments/payment",
			"token_type": "Bearer",
			"app_id":     "APP-80W284485P519543T",
			"nonce":      "2026-10-18T00:00:00Zmock",
		}
		if mock.Token != "" {
			payload["access_token"] = mock.Token
		}
		if mock.ExpiresIn >= 0 {
			payload["expires_in"] = mock.ExpiresIn
		}

		WriteJSON(w, payload)
	})

	for _, route := range []string{RouteCreateOrder, RouteCaptureOrder, RouteCreatePayment, RouteExecutePayment} {
		router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
			mock.record(r)

			response := mock.response(route)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(response.Status)
			_, _ = w.Write([]byte(response.Body))
		})
	}

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the base URL of the mock API.
func (m *MockPayPalServer) URL() string {
	return m.Server.URL
}

// Requests returns the recorded requests for a path, or all requests when
// path is empty.
func (m *MockPayPalServer) Requests(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []RecordedRequest
	for _, r := range m.requests {
		if path == "" || r.Path == path {
			matched = append(matched, r)
		}
	}
	return matched
}

// TokenRequests is the number of calls made to the token endpoint.
func (m *MockPayPalServer) TokenRequests() int {
	return len(m.Requests("/v1/oauth2/token"))
}

// APIRequests returns the recorded requests other than token requests.
func (m *MockPayPalServer) APIRequests() []RecordedRequest {
	var api []RecordedRequest
	for _, r := range m.Requests("") {
		if r.Path != "/v1/oauth2/token" {
			api = append(api, r)
		}
	}
	return api
}

func (m *MockPayPalServer) response(route string) MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if response, ok := m.Responses[route]; ok {
		return response
	}
	return defaultResponses[route]
}

func (m *MockPayPalServer) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	recorded := RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	}
	if form, err := url.ParseQuery(string(body)); err == nil {
		recorded.Form = form
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recorded)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
