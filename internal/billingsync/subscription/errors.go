package subscription

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuthentication      = errors.New("webhook authentication failed")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrInvalidCommand      = errors.New("invalid sync command")
	ErrConflict            = errors.New("subscription record changed concurrently")
	ErrDuplicateEvent      = errors.New("event already applied")
	ErrTransientDownstream = errors.New("transient downstream failure")
)

// ErrorKind is the category of a SyncError.
type ErrorKind string

const (
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindMalformed      ErrorKind = "malformed"
	ErrorKindInvalid        ErrorKind = "invalid"
	ErrorKindConflict       ErrorKind = "conflict"
	ErrorKindTransient      ErrorKind = "transient"
)

// SyncError is a structured failure scoped to a single event or command.
type SyncError struct {
	Kind           ErrorKind
	Op             string
	SubscriptionID string
	Err            error
	Retryable      bool
}

func (e *SyncError) Error() string {
	if e.SubscriptionID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is maps the error kind onto the package sentinels.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.Kind == ErrorKindAuthentication
	case ErrMalformedPayload:
		return e.Kind == ErrorKindMalformed
	case ErrInvalidCommand:
		return e.Kind == ErrorKindInvalid
	case ErrConflict:
		return e.Kind == ErrorKindConflict
	case ErrTransientDownstream:
		return e.Kind == ErrorKindTransient
	}
	return false
}

// NewSyncError creates a SyncError with retryability derived from kind.
func NewSyncError(kind ErrorKind, op, subscriptionID string, err error) *SyncError {
	return &SyncError{
		Kind:           kind,
		Op:             op,
		SubscriptionID: subscriptionID,
		Err:            err,
		Retryable:      kind == ErrorKindTransient || kind == ErrorKindConflict,
	}
}

// Transient wraps err as a retryable downstream failure.
func Transient(op, subscriptionID string, err error) error {
	return NewSyncError(ErrorKindTransient, op, subscriptionID, err)
}

// IsRetryable reports whether the provider should redeliver the event that produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return errors.Is(err, ErrTransientDownstream) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err describes input that will never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrInvalidCommand)
}
