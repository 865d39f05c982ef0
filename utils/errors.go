package utils

import (
	"errors"
	"net/http"
)

// Kind classifies an application error and fixes its HTTP status.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindUnsupportedOption
	KindCredentialMissing
	KindGateway
	KindPersistence
)

// String names the kind the way it appears in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindUnsupportedOption:
		return "UnsupportedOption"
	case KindCredentialMissing:
		return "CredentialMissing"
	case KindGateway:
		return "GatewayError"
	default:
		return "PersistenceError"
	}
}

// Status maps the kind to an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindUnsupportedOption, KindCredentialMissing:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is an error with a user-facing message and a taxonomy kind.
type AppError struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches a payload rendered under "details" in the error body.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func Validation(msg string) *AppError { return &AppError{Kind: KindValidation, Message: msg} }

func NotFound(msg string) *AppError { return &AppError{Kind: KindNotFound, Message: msg} }

func Unsupported(msg string) *AppError { return &AppError{Kind: KindUnsupportedOption, Message: msg} }

func CredentialMissing(msg string) *AppError {
	return &AppError{Kind: KindCredentialMissing, Message: msg}
}

// Gateway wraps a failed call to the external model service.
func Gateway(msg string, err error) *AppError {
	return &AppError{Kind: KindGateway, Message: msg, Err: err}
}

// Persistence wraps a failed storage operation.
func Persistence(msg string, err error) *AppError {
	return &AppError{Kind: KindPersistence, Message: msg, Err: err}
}

// AsAppError unwraps err to an *AppError if there is one in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err. Unclassified errors are 500.
func StatusOf(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Kind.Status()
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Kind == kind
}
