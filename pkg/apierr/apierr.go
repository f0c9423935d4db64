// Package apierr defines the error taxonomy shared across the request
// pipeline and write handler, and the single envelope every non-2xx
// response uses.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind names one of the error categories from the error handling design.
// Every Kind has a default HTTP status (defaultStatus); WithStatus
// overrides it at call sites that need another.
type Kind string

const (
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindPaymentInvalid      Kind = "PAYMENT_INVALID"
	KindPaymentNotFound     Kind = "PAYMENT_NOT_FOUND"
	KindJobAlreadyCompleted Kind = "JOB_ALREADY_COMPLETED"
	KindJobExpired          Kind = "JOB_EXPIRED"
	KindBlobTooLarge        Kind = "BLOB_TOO_LARGE"
	KindBlobEmpty           Kind = "BLOB_EMPTY"
	KindSignatureInvalid    Kind = "SIGNATURE_INVALID"
	KindJobLocked           Kind = "JOB_LOCKED"
	KindBlobExecutionFailed Kind = "BLOB_EXECUTION_FAILED"
	KindContractError       Kind = "CONTRACT_ERROR"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindCircuitOpen         Kind = "CIRCUIT_OPEN"
	KindNetworkError        Kind = "NETWORK_ERROR"
	KindInternalError       Kind = "INTERNAL_ERROR"
)

// defaultStatus is the HTTP status each Kind maps to absent an override
// (some Kinds carry another status at particular call sites, e.g.
// INVALID_REQUEST as 401 for request-signature failures; WithStatus
// sets it).
var defaultStatus = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindPaymentInvalid:      http.StatusBadRequest,
	KindPaymentNotFound:     http.StatusBadRequest,
	KindJobAlreadyCompleted: http.StatusNotFound,
	KindJobExpired:          http.StatusBadRequest,
	KindBlobTooLarge:        http.StatusBadRequest,
	KindBlobEmpty:           http.StatusBadRequest,
	KindSignatureInvalid:    http.StatusBadRequest,
	KindJobLocked:           http.StatusUnprocessableEntity, // 425-equivalent; see StatusTooEarly below
	KindBlobExecutionFailed: http.StatusServiceUnavailable,
	KindContractError:       http.StatusBadGateway,
	KindRateLimitExceeded:   http.StatusTooManyRequests,
	KindCircuitOpen:         http.StatusServiceUnavailable,
	KindNetworkError:        http.StatusInternalServerError,
	KindInternalError:       http.StatusInternalServerError,
}

// StatusTooEarly is RFC 8470's 425, used for JOB_LOCKED. net/http has no
// constant for it.
const StatusTooEarly = 425

func init() {
	defaultStatus[KindJobLocked] = StatusTooEarly
}

// APIError is the typed error carried to the HTTP boundary. Internal code
// wraps plain errors with fmt.Errorf("...: %w", err); only handlers and
// middleware construct an APIError.
type APIError struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	return e.Message
}

// New builds an APIError using the Kind's default HTTP status.
func New(kind Kind, message string) *APIError {
	return &APIError{Kind: kind, HTTPStatus: defaultStatus[kind], Message: message}
}

// NewWithDetails builds an APIError carrying field-level details (used by
// body validation failures).
func NewWithDetails(kind Kind, message string, details map[string]interface{}) *APIError {
	e := New(kind, message)
	e.Details = details
	return e
}

// WithStatus overrides the default HTTP status, for call sites that need
// a status other than the Kind's default (e.g. INVALID_REQUEST as 401
// for request-signature failures, NETWORK_ERROR as 503 when the job
// cache is unavailable).
func (e *APIError) WithStatus(status int) *APIError {
	e.HTTPStatus = status
	return e
}

// envelope is the wire shape for any non-2xx response.
type envelope struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError writes err to w as the standard error envelope. If err is not
// an *APIError it is mapped to INTERNAL_ERROR with the original message
// redacted from the body (callers are expected to have already logged it
// under the request's trace id).
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = New(KindInternalError, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(envelope{
		Error:   string(apiErr.Kind),
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}
