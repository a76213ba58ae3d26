package syncx

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned for operation values outside create/update/delete
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidItem indicates a queue item or wire item is missing a required field
	ErrInvalidItem = errors.New("invalid sync item")

	// ErrNotFound indicates the target record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDeadLettered is reported to a pending transaction whose queued write was dropped as terminal
	ErrDeadLettered = errors.New("queued write was rejected permanently")
)

// Error codes carried in the Sync Endpoint error payload
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeUnavailable    = "unavailable"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// OfflineError means the write never reached the server.
// Always retryable; the mutation call site queues instead of rolling back.
type OfflineError struct {
	Op  string
	Err error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("%s: offline: %v", e.Op, e.Err)
}

func (e *OfflineError) Unwrap() error {
	return e.Err
}

// ApplyError is a failure reported by the Sync Endpoint
type ApplyError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *ApplyError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("sync endpoint %s failure (%d %s): %s", kind, e.Status, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a not_found rejection
func (e *ApplyError) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeNotFound
}

// IsOffline reports whether err is a connectivity failure
func IsOffline(err error) bool {
	var oe *OfflineError
	return errors.As(err, &oe)
}

// IsTerminal reports whether retrying err can never succeed.
// Unclassified errors are treated as retryable so nothing is dropped by accident.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidItem) || errors.Is(err, ErrUnknownOperation) {
		return true
	}
	var ae *ApplyError
	if errors.As(err, &ae) {
		return !ae.Retryable
	}
	return false
}

// IsRetryable is the complement of IsTerminal for non-nil errors
func IsRetryable(err error) bool {
	return err != nil && !IsTerminal(err)
}
