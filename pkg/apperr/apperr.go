// Package apperr defines the error kinds shared by the store, the watch hub
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound           Kind = "NotFound"
	AlreadyExists      Kind = "AlreadyExists"
	Conflict           Kind = "Conflict"
	InvalidIdentifier  Kind = "InvalidIdentifier"
	InvalidContent     Kind = "InvalidContent"
	InvalidFingerprint Kind = "InvalidFingerprint"
	StorageFailure     Kind = "StorageFailure"
)

// Error carries a machine-readable Kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(NotFound, ""))
// and the sentinel values below both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Kind: NotFound, Message: "not found"}
	ErrAlreadyExists      = &Error{Kind: AlreadyExists, Message: "already exists"}
	ErrConflict           = &Error{Kind: Conflict, Message: "conflict"}
	ErrInvalidIdentifier  = &Error{Kind: InvalidIdentifier, Message: "invalid identifier"}
	ErrInvalidContent     = &Error{Kind: InvalidContent, Message: "invalid content"}
	ErrInvalidFingerprint = &Error{Kind: InvalidFingerprint, Message: "invalid fingerprint"}
	ErrStorageFailure     = &Error{Kind: StorageFailure, Message: "storage failure"}
)

// KindOf reports the Kind of err, or StorageFailure for errors that carry
// no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StorageFailure
}
