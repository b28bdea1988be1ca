package paypal

import (
	"fmt"
	"net/http"
)

// ValidationError reports caller input rejected before any processor call.
type ValidationError struct {
	Field   string
	Message string

	status int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Status reports the response for callers. An invalid total is answered with
// a 500, as existing clients expect.
func (e *ValidationError) Status() (int, string) {
	return e.status, e.Message
}

func invalidTotal(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "Total should be a positive number",
		status:  http.StatusInternalServerError,
	}
}

func missingField(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: field + " is required",
		status:  http.StatusBadRequest,
	}
}

// NetworkError reports a transport failure talking to the processor: the
// call may or may not have reached it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("payment processor %s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Status() (int, string) {
	return http.StatusBadGateway, "payment processor unavailable"
}
