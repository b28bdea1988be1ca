package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/chinmina/checkout-bridge/internal/audit"
	"github.com/chinmina/checkout-bridge/internal/paypal"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const invalidTotalMessage = "Total should be a positive number"

// maxFormMemory bounds the multipart form data held in memory. Bodies are
// already limited by the request size middleware.
const maxFormMemory = 20 << 10

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// PaymentService performs the payment operations exposed by the API.
type PaymentService interface {
	CreateOrder(ctx context.Context, total decimal.Decimal) (*paypal.Result, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Result, error)
	MakePayment(ctx context.Context, subtotal decimal.Decimal) (*paypal.Result, error)
	ExecutePayment(ctx context.Context, paymentID, payerID string) (*paypal.Result, error)

	// Currency is the ISO 4217 code totals are charged in.
	Currency() string
}

// formDecoder is implemented by request types that accept form-encoded
// bodies as well as JSON.
type formDecoder interface {
	decodeForm(form url.Values)
}

type totalRequest struct {
	Total decimal.Decimal `json:"total" validate:"gt=0"`
}

func (t *totalRequest) decodeForm(form url.Values) {
	total, err := decimal.NewFromString(strings.TrimSpace(form.Get("total")))
	if err != nil {
		// unparseable totals are rejected by validation
		total = decimal.Zero
	}
	t.Total = total
}

type captureRequest struct {
	OrderID string `json:"orderID" validate:"required"`
}

func (c *captureRequest) decodeForm(form url.Values) {
	c.OrderID = form.Get("orderID")
}

type executeRequest struct {
	PaymentID string `json:"paymentID" validate:"required"`
	PayerID   string `json:"payerID" validate:"required"`
}

func (e *executeRequest) decodeForm(form url.Values) {
	e.PaymentID = form.Get("paymentID")
	e.PayerID = form.Get("payerID")
}

func handleMakePayment(payments PaymentService) http.Handler {
	return handleTotal("makePayment", payments.Currency(), payments.MakePayment)
}

func handleCreateOrder(payments PaymentService) http.Handler {
	return handleTotal("createOrder", payments.Currency(), payments.CreateOrder)
}

func handleTotal(operation, currency string, call func(context.Context, decimal.Decimal) (*paypal.Result, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Operation = operation
		entry.Currency = currency

		var req totalRequest
		if err := decodeRequest(r, &req); err != nil {
			if rejectOversized(w, err) {
				entry.SetError(err)
				return
			}
			log.Info().Err(err).Str("operation", operation).Msg("unreadable payment request")
			entry.SetError(err)
			writeJSONError(w, http.StatusInternalServerError, invalidTotalMessage)
			return
		}
		entry.Amount = req.Total.StringFixed(2)

		if err := validate.Struct(req); err != nil {
			writeValidationError(w, entry, err)
			return
		}

		result, err := call(r.Context(), req.Total)
		writeResult(w, entry, result, err)
	})
}

func handleCaptureOrder(payments PaymentService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Operation = "captureOrder"

		var req captureRequest
		if err := decodeRequest(r, &req); err != nil {
			writeDecodeError(w, entry, err)
			return
		}
		entry.OrderID = req.OrderID

		if err := validate.Struct(req); err != nil {
			writeValidationError(w, entry, err)
			return
		}

		result, err := payments.CaptureOrder(r.Context(), req.OrderID)
		writeResult(w, entry, result, err)
	})
}

func handleExecutePayment(payments PaymentService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		entry.Operation = "executePayment"

		var req executeRequest
		if err := decodeRequest(r, &req); err != nil {
			writeDecodeError(w, entry, err)
			return
		}
		entry.PaymentID = req.PaymentID

		if err := validate.Struct(req); err != nil {
			writeValidationError(w, entry, err)
			return
		}

		result, err := payments.ExecutePayment(r.Context(), req.PaymentID, req.PayerID)
		writeResult(w, entry, result, err)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// writeResult relays the processor response to the client. The processor's
// body is returned as-is, including processor-reported failures.
func writeResult(w http.ResponseWriter, entry *audit.Entry, result *paypal.Result, err error) {
	if err != nil {
		status, message := errorStatus(err)
		log.Info().Err(err).Str("operation", entry.Operation).Msg("payment operation failed")
		entry.SetError(err)
		writeJSONError(w, status, message)
		return
	}

	entry.ProcessorStatus = result.StatusCode

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Body); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Err(err).Msg("failed to write response")
	}
}

// decodeRequest reads a JSON, multipart or URL-encoded form body into dst.
// Identifier fields are trimmed.
func decodeRequest(r *http.Request, dst formDecoder) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return fmt.Errorf("decoding JSON body: %w", err)
		}
	case "multipart/form-data":
		// also fills PostForm with the non-file values
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return fmt.Errorf("decoding multipart body: %w", err)
		}
		dst.decodeForm(r.PostForm)
	default:
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("decoding form body: %w", err)
		}
		dst.decodeForm(r.PostForm)
	}

	trimStrings(dst)
	return nil
}

func trimStrings(dst any) {
	v := reflect.ValueOf(dst).Elem()
	for i := range v.NumField() {
		if f := v.Field(i); f.Kind() == reflect.String && f.CanSet() {
			f.SetString(strings.TrimSpace(f.String()))
		}
	}
}

func writeDecodeError(w http.ResponseWriter, entry *audit.Entry, err error) {
	entry.SetError(err)
	if rejectOversized(w, err) {
		return
	}
	log.Info().Err(err).Str("operation", entry.Operation).Msg("unreadable payment request")
	writeJSONError(w, http.StatusBadRequest, "invalid request body")
}

func rejectOversized(w http.ResponseWriter, err error) bool {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return true
	}
	return false
}

// writeValidationError reports the first failed field. An invalid total is
// reported as a server error, as existing clients expect.
func writeValidationError(w http.ResponseWriter, entry *audit.Entry, err error) {
	entry.SetError(err)

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid request")
		return
	}

	field := fieldErrs[0].Field()
	if field == "total" {
		writeJSONError(w, http.StatusInternalServerError, invalidTotalMessage)
		return
	}
	writeJSONError(w, http.StatusBadRequest, field+" is required")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// amounts are validated as numbers
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	// report fields by their wire names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Message string `json:"msg"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Message: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// the body is already limited by the request size middleware
		_, _ = io.Copy(io.Discard, r.Body)
	}
}
