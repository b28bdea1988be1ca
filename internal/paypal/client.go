package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chinmina/checkout-bridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxResponseSize bounds the processor response bodies read into memory.
const maxResponseSize = 1 << 20

// TokenProvider supplies a valid processor access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Result is the processor's response to a payment operation. Body is passed
// through unmodified, whatever the status.
type Result struct {
	StatusCode int
	Body       []byte
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for processor calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRequestTimeout bounds each processor call.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// Client performs payment operations against the PayPal REST API. Every
// operation validates its input, obtains a valid token and then makes exactly
// one call to the processor.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	checkout   config.CheckoutConfig
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client for the processor API at baseURL.
func New(baseURL string, tokens TokenProvider, checkout config.CheckoutConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		checkout:   checkout,
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Currency returns the currency code used for order and payment totals.
func (c *Client) Currency() string {
	return c.checkout.Currency
}

// CreateOrder creates a v2 order with intent CAPTURE for total.
func (c *Client) CreateOrder(ctx context.Context, total decimal.Decimal) (*Result, error) {
	total = total.Round(2)
	if !total.IsPositive() {
		return nil, invalidTotal("total")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	return c.post(ctx, "create order", token, "/v2/checkout/orders", newOrderRequest(c.checkout, total))
}

// CaptureOrder captures the payment for an order the payer has approved.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Result, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, missingField("orderID")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	return c.post(ctx, "capture order", token, path, nil)
}

// MakePayment creates a v1 sale payment for subtotal plus the shipping fee.
func (c *Client) MakePayment(ctx context.Context, subtotal decimal.Decimal) (*Result, error) {
	subtotal = subtotal.Round(2)
	if !subtotal.IsPositive() {
		return nil, invalidTotal("total")
	}
	total := subtotal.Add(c.checkout.ShippingFee)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	return c.post(ctx, "create payment", token, "/v1/payments/payment", newPaymentRequest(c.checkout, subtotal, total))
}

// ExecutePayment completes a v1 payment the payer has approved.
func (c *Client) ExecutePayment(ctx context.Context, paymentID, payerID string) (*Result, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, missingField("paymentID")
	}
	if strings.TrimSpace(payerID) == "" {
		return nil, missingField("payerID")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	path := "/v1/payments/payment/" + url.PathEscape(paymentID) + "/execute"
	return c.post(ctx, "execute payment", token, path, executeRequest{PayerID: payerID})
}

func (c *Client) post(ctx context.Context, op, token, path string, payload any) (*Result, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	logger := zerolog.Ctx(ctx).With().
		Str("operation", op).
		Int("status", resp.StatusCode).
		Str("debugID", resp.Header.Get("Paypal-Debug-Id")).
		Logger()

	if resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warn().Msg("payment processor returned an error status")
	} else {
		logger.Debug().Msg("payment processor call succeeded")
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       content,
	}, nil
}
