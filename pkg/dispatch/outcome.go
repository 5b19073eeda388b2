package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchTooLarge is returned by backends when SendEach receives more than
	// MaxBatchSize messages. No request is made.
	ErrBatchTooLarge = errors.New("batch exceeds backend maximum")
	// ErrInvalidTopic is returned for empty or malformed topic names.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrTopicsUnsupported is returned by backends without topic management.
	ErrTopicsUnsupported = errors.New("backend does not support topics")
)

// ErrorCategory is the closed set of per-token failure kinds.
type ErrorCategory int

const (
	CategoryOther ErrorCategory = iota
	CategoryUnregistered
	CategorySenderMismatch
	CategoryInvalidRegistration
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryUnregistered:
		return "unregistered"
	case CategorySenderMismatch:
		return "sender_mismatch"
	case CategoryInvalidRegistration:
		return "invalid_registration"
	}
	return "other"
}

// Permanent reports whether the token that produced the error can never succeed.
func (c ErrorCategory) Permanent() bool {
	switch c {
	case CategoryUnregistered, CategorySenderMismatch, CategoryInvalidRegistration:
		return true
	}
	return false
}

// BackendError is a classified provider error.
type BackendError struct {
	Category ErrorCategory
	// Code is the provider's own error code or reason string.
	Code string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("push backend: %s (%s)", e.Category, e.Code)
	}
	return fmt.Sprintf("push backend: %s: %v", e.Category, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// CategoryOf returns the category carried by err, or CategoryOther.
func CategoryOf(err error) ErrorCategory {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryOther
}

// Outcome is the per-message result of SendEach: either a MessageID or an Err.
type Outcome struct {
	MessageID string
	Err       *BackendError
}

func (o Outcome) Success() bool { return o.Err == nil }

// TopicError reports a failure for the token at Index of the submitted list.
type TopicError struct {
	Index int
	Err   *BackendError
}

// TopicResult is the provider response to a topic subscription change.
type TopicResult struct {
	SuccessCount int
	FailureCount int
	Errors       []TopicError
}
