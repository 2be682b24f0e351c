package brokerage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/biequity/reconciler/internal/fault"
)

// APIError is a non-2xx brokerage response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("brokerage status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the status should be retried.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// StatusCodeOf extracts the HTTP status from a brokerage error, or 0.
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsDuplicateClientOrderID reports a rejection caused by reusing a client order id.
func IsDuplicateClientOrderID(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}

// classify wraps an APIError into the shared taxonomy.
func classify(op string, apiErr *APIError) error {
	var fe *fault.Error
	if apiErr.Transient() {
		fe = fault.Transient(op, apiErr)
	} else {
		fe = fault.Terminal(op, apiErr)
	}
	return fe.WithCode(apiErr.Code)
}

// parseAPIError reads the brokerage error body: {"code": 40010001, "message": "..."},
// a bare string, or {"error": "..."}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Code: "UNKNOWN_ERROR", Message: http.StatusText(status)}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return apiErr
	}
	var payload struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = trimmed
		return apiErr
	}
	switch {
	case payload.Message != "":
		apiErr.Message = payload.Message
	case payload.Error != "":
		apiErr.Message = payload.Error
	}
	if len(payload.Code) > 0 && string(payload.Code) != "null" {
		apiErr.Code = strings.Trim(string(payload.Code), `"`)
	}
	return apiErr
}
