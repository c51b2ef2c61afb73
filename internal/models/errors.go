package models

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: "NOT_FOUND", Message: msg, Status: 404}
	}
	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Code: "BAD_REQUEST", Message: msg, Status: 400}
	}
	ErrUnauthorized = &AppError{Code: "UNAUTHORIZED", Message: "authentication required", Status: 401}
	ErrInternal     = func(msg string) *AppError {
		return &AppError{Code: "INTERNAL", Message: msg, Status: 500}
	}
	ErrBadGateway = func(msg string) *AppError {
		return &AppError{Code: "BAD_GATEWAY", Message: msg, Status: 502}
	}
)

// AuthError reports bad credentials, a CSRF/login protocol violation or a
// session token that could not be decoded.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return "auth: " + e.Op + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError reports that the upstream lookup returned no matching station.
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("station %q not found", e.Code) }

// NoStreamError reports that a station has no premium high-quality stream.
type NoStreamError struct {
	Code string
}

func (e *NoStreamError) Error() string {
	return fmt.Sprintf("station %q has no eligible stream", e.Code)
}

// RelayStartError reports that the initial upstream connection or playlist
// fetch failed.
type RelayStartError struct {
	URL string
	Err error
}

func (e *RelayStartError) Error() string { return "relay start: " + e.Err.Error() }
func (e *RelayStartError) Unwrap() error { return e.Err }

// TransientFetchError wraps a refresh failure that is retried internally.
type TransientFetchError struct {
	What string
	Err  error
}

func (e *TransientFetchError) Error() string { return e.What + ": " + e.Err.Error() }
func (e *TransientFetchError) Unwrap() error { return e.Err }

// ToAppError maps the domain error taxonomy onto an HTTP-facing AppError.
func ToAppError(err error) *AppError {
	var (
		appErr   *AppError
		authErr  *AuthError
		notFound *NotFoundError
		noStream *NoStreamError
		startErr *RelayStartError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &authErr):
		return &AppError{Code: "UNAUTHORIZED", Message: err.Error(), Status: http.StatusUnauthorized}
	case errors.As(err, &notFound), errors.As(err, &noStream):
		return ErrNotFound(err.Error())
	case errors.As(err, &startErr):
		return ErrBadGateway(err.Error())
	}
	return ErrInternal(err.Error())
}
