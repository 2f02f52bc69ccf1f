// Package apperr defines the error taxonomy shared by the REST boundary and
// the websocket gateway.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an application error carrying a kind and a wire code.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    Code   `json:"error"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an error of the given kind.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind with an underlying cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) *Error {
	return New(KindAuthentication, CodeUnauthenticated, msg)
}

func Forbidden(code Code, msg string) *Error {
	return New(KindAuthorization, code, msg)
}

func Invalid(code Code, msg string) *Error {
	return New(KindValidation, code, msg)
}

func NotFound(msg string) *Error {
	return New(KindNotFound, CodeNotFound, msg)
}

func Conflict(msg string) *Error {
	return New(KindConflict, CodeConflict, msg)
}

// Internal wraps a store or transport failure. The cause is logged, never sent.
func Internal(cause error) *Error {
	return Wrap(KindServer, CodeServerError, "internal server error", cause)
}

// RateLimited reports that the caller exceeded a limit.
func RateLimited(msg string) *Error {
	return New(KindRateLimited, CodeRateLimited, msg)
}

// From returns err as an *Error, treating anything unrecognised as a server error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch From(err).Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
