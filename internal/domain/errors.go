package domain

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for the persisted job record.
type Code string

const (
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeDailyCapReached     Code = "DAILY_CAP_REACHED"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeInvalidAction       Code = "INVALID_ACTION"
	CodeDuplicateRun        Code = "DUPLICATE_RUN"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeReservationSettled  Code = "RESERVATION_SETTLED"
	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeUploadFailed        Code = "UPLOAD_FAILED"
	CodeComposeFailed       Code = "COMPOSE_FAILED"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeAuthRequired        Code = "AUTH_REQUIRED"
	CodeDBError             Code = "DB_ERROR"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is not queued
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrInvalidTransition is returned when a status change would break monotonicity
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrDuplicateRunID is returned by the store when the run id is already taken
	ErrDuplicateRunID = errors.New("run id already exists")

	// ErrReservationNotFound is returned when finalize/refund names an unknown request
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidPayload is returned when a dispatch message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Error is a classified error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return fmt.Sprintf("%s: %v", e.Code, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a message.
func NewError(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under code.
func WrapError(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of err, INTERNAL when unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrReservationNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}

// HasCode reports whether err is classified as code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// MessageOf returns the human readable part of err without the code prefix.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		switch {
		case de.Message != "" && de.Err != nil:
			return de.Message + ": " + de.Err.Error()
		case de.Message != "":
			return de.Message
		case de.Err != nil:
			return de.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
