package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/usermgmt/apiserver/internal/store"
)

// Kind classifies a policy failure. Handlers map each kind to a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindUnauthorized
	KindForbidden
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is an expected policy outcome returned by a service operation.
// Anything that is not an *Error is treated as an internal failure.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending input for single-field failures.
	Field string
	// Fields lists every missing or invalid input.
	Fields []string
}

func (e *Error) Error() string {
	return e.Message
}

// KindOf reports the kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindInternal
}

func ValidationError(message string, fields ...string) *Error {
	e := &Error{Kind: KindValidation, Message: message, Fields: fields}
	if len(fields) > 0 {
		e.Field = fields[0]
	}
	return e
}

// MissingFields reports required inputs that were not supplied.
func MissingFields(fields ...string) *Error {
	return ValidationError(fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", ")), fields...)
}

func Conflict(field string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("%s already exists", field), Field: field}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// fromStore maps repository sentinels to policy errors and wraps the rest.
func fromStore(err error, notFoundMessage, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return NotFound(notFoundMessage)
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return Conflict(conflict.Field)
	}
	return fmt.Errorf("%s: %w", op, err)
}
