package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorMalformedPayload      ErrorCode = "MALFORMED_PAYLOAD"
	ErrorAccessCheckFailed     ErrorCode = "ACCESS_CHECK_FAILED"
	ErrorSessionCreationFailed ErrorCode = "SESSION_CREATION_FAILED"
	ErrorStream                ErrorCode = "STREAM_ERROR"
	ErrorDeliveryFailed        ErrorCode = "DELIVERY_FAILED"
	ErrorDeliveryRejected      ErrorCode = "DELIVERY_REJECTED"
	ErrorStore                 ErrorCode = "STORE_ERROR"
	ErrorUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether redelivering the same work may succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorSessionCreationFailed, ErrorStream, ErrorDeliveryFailed, ErrorStore, ErrorInternal:
		return true
	}
	return false
}

// IsRetryable reports whether err may clear on redelivery. Errors without a
// code count as transient.
func IsRetryable(err error) bool {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Retryable()
	}
	return err != nil
}

// statusCoder is implemented by the integration HTTP status errors.
type statusCoder interface {
	HTTPStatusCode() int
}

// deliveryError classifies a failed send. A 4xx other than 429 means the
// channel refused the message and a resend would fail the same way.
func deliveryError(reason string, err error) *Error {
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatusCode()
		if status >= 400 && status < 500 && status != 429 {
			return newError(ErrorDeliveryRejected, reason, err)
		}
	}
	return newError(ErrorDeliveryFailed, reason, err)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorInternal
}
