// Package httperr carries the typed error categories orchestrator operations
// surface to HTTP handlers. Messages are stable uppercase error codes.
package httperr

import (
	"errors"
	"fmt"
)

type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func NewBadRequest(msg string) error { return &BadRequestError{msg: msg} }

func IsBadRequest(err error) bool {
	var target *BadRequestError
	ok := errors.As(err, &target)
	return ok
}

type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

func NewNotFound(msg string) error { return &NotFoundError{msg: msg} }

func IsNotFound(err error) bool {
	var target *NotFoundError
	ok := errors.As(err, &target)
	return ok
}

type ForbiddenError struct {
	msg string
}

func (e *ForbiddenError) Error() string { return e.msg }

func NewForbidden(msg string) error { return &ForbiddenError{msg: msg} }

func IsForbidden(err error) bool {
	var target *ForbiddenError
	ok := errors.As(err, &target)
	return ok
}

// RemoteUnavailableError means the control plane rejected or never received a
// call. Nothing was written locally; the operation is safe to retry.
type RemoteUnavailableError struct {
	msg   string
	cause error
}

func (e *RemoteUnavailableError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *RemoteUnavailableError) Unwrap() error { return e.cause }

func NewRemoteUnavailable(msg string, cause error) error {
	return &RemoteUnavailableError{msg: msg, cause: cause}
}

func IsRemoteUnavailable(err error) bool {
	var target *RemoteUnavailableError
	ok := errors.As(err, &target)
	return ok
}

// ReconciliationError means the remote side effect succeeded but the local
// transaction failed afterwards. The two stores have diverged and an operator
// (or the reconciler) must intervene; it must never be reported as a clean
// failure.
type ReconciliationError struct {
	msg      string
	RemoteID string
	cause    error
}

func (e *ReconciliationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *ReconciliationError) Unwrap() error { return e.cause }

func NewReconciliationRequired(msg string, remoteID string, cause error) error {
	return &ReconciliationError{msg: msg, RemoteID: remoteID, cause: cause}
}

func IsReconciliationRequired(err error) bool {
	var target *ReconciliationError
	ok := errors.As(err, &target)
	return ok
}
