package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindRouting            ErrorKind = "routing"
	KindNormalization      ErrorKind = "normalization"
	KindAdapterUnavailable ErrorKind = "adapter_unavailable"
	KindBackendInvocation  ErrorKind = "backend_invocation"
	KindRateLimitExceeded  ErrorKind = "rate_limit_exceeded"
)

// Error codes returned to callers in the error body.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeNormalization = "NORMALIZATION_ERROR"
	CodeCapability    = "CAPABILITY_ERROR"
	CodeBackend       = "BACKEND_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
	CodeRateLimit     = "RATE_LIMIT_EXCEEDED"
)

// GatewayError is a failure surfaced to the caller.
type GatewayError struct {
	Kind    ErrorKind
	Code    string
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewValidationError reports malformed input.
func NewValidationError(message string) *GatewayError {
	return &GatewayError{Kind: KindValidation, Code: CodeValidation, Status: http.StatusBadRequest, Message: message}
}

// NewRoutingError reports that no model could be selected.
func NewRoutingError(message string, err error) *GatewayError {
	return &GatewayError{Kind: KindRouting, Code: CodeConfiguration, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// NewNormalizationError reports a prompt that could not be adapted for a model.
func NewNormalizationError(modelID string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindNormalization,
		Code:    CodeNormalization,
		Status:  http.StatusUnprocessableEntity,
		Message: fmt.Sprintf("failed to normalize prompt for model %s", modelID),
		Err:     err,
	}
}

// NewCapabilityError reports an adapter lacking a required capability.
func NewCapabilityError(modelID, capability string) *GatewayError {
	return &GatewayError{
		Kind:    KindAdapterUnavailable,
		Code:    CodeCapability,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("model %s does not support %s", modelID, capability),
	}
}

// NewBackendError wraps a failed backend call, keeping the backend status when
// one is known.
func NewBackendError(modelID string, err error) *GatewayError {
	ge := &GatewayError{
		Kind:    KindBackendInvocation,
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("backend invocation failed for model %s", modelID),
		Err:     err,
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		ge.Code = CodeBackend
		ge.Status = pe.StatusCode
	}
	return ge
}

// NewRateLimitError reports a rejected admission.
func NewRateLimitError() *GatewayError {
	return &GatewayError{Kind: KindRateLimitExceeded, Code: CodeRateLimit, Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}
}

// AsGatewayError extracts a GatewayError, converting any other error into an
// internal error.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Kind: KindBackendInvocation, Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
}

// ProviderError represents a standardized error from any backend.
type ProviderError struct {
	StatusCode int    `json:"status_code"`
	Err        error  `json:"error"`
	Provider   string `json:"provider"`
	Retryable  bool   `json:"retryable"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
