package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound             = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation           = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrMissingConfiguration = NewError("MISSING_CONFIGURATION", "missing configuration", http.StatusPreconditionFailed)
	ErrTransport            = NewError("TRANSPORT_ERROR", "transport failure", http.StatusBadGateway)
	ErrPartialFailure       = NewError("PARTIAL_FAILURE", "some events were rejected", http.StatusMultiStatus)
	ErrUnexpected           = NewError("UNEXPECTED", "unexpected error", http.StatusInternalServerError)
	ErrTimeout              = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrConflict             = NewError("CONFLICT", "operation conflicts with current state", http.StatusConflict)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code == ErrTransport.Code || e.Code == ErrTimeout.Code
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return e.Code == ErrValidation.Code || e.Code == ErrNotFound.Code || e.Code == ErrMissingConfiguration.Code
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return e.WithDetail("message", fmt.Sprintf(format, args...))
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

// MissingConfiguration names the platform and every absent credential so callers can skip
// only that platform.
func MissingConfiguration(platform string, fields ...string) *Error {
	return ErrMissingConfiguration.
		WithDetail("platform", platform).
		WithDetail("missing_fields", fields).
		WithMessage("%s is missing required configuration: %s", platform, strings.Join(fields, ", "))
}

// Transport classifies an HTTP-level failure. Zero status means the request never got a
// response.
func Transport(platform string, status int, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == 0:
		msg = "connection failed: " + msg
	case status == http.StatusTooManyRequests:
		msg = "rate limit exceeded: " + msg
	}

	err := ErrTransport.
		WithDetail("platform", platform).
		WithDetail("http_status", status).
		WithMessage("%s %s", platform, msg)

	if status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return err.AsRetryable()
	}
	return err.AsFatal()
}

func IsMissingConfiguration(err error) bool {
	return hasCode(err, ErrMissingConfiguration.Code)
}

func IsTransport(err error) bool {
	return hasCode(err, ErrTransport.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// MissingFields returns the credential names carried by a MissingConfiguration error.
func MissingFields(err error) []string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code != ErrMissingConfiguration.Code {
		return nil
	}
	fields, _ := appErr.Details["missing_fields"].([]string)
	return fields
}

// IsTransient reports whether a failure looks like rate limiting or a connectivity problem.
// Coded errors are classified by their retry flag, anything else by its message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code == ErrTransport.Code {
		return appErr.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "connection")
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrUnexpected.WithCause(err)
	}

	message := appErr.Message
	if detail, ok := appErr.Details["message"].(string); ok && detail != "" {
		message = detail
	}

	response := map[string]interface{}{
		"error":      message,
		"error_code": appErr.Code,
	}

	details := make(map[string]interface{}, len(appErr.Details))
	for k, v := range appErr.Details {
		if k != "message" {
			details[k] = v
		}
	}
	if len(details) > 0 {
		response["details"] = details
	}

	return response
}
