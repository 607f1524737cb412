package apperrors

import (
	"errors"
	"net/http"
)

// Kind classifies an error by where it came from and how callers should react
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindAuth
	KindValidation
	KindUpstream
	KindPersistence
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the application error carried across package boundaries.
// Message is a short summary safe to show to clients, Details carries
// the best-effort explanation (provider message, missing field, ...).
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response status code
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type Option func(*Error)

func WithDetails(details string) Option {
	return func(e *Error) {
		e.Details = details
	}
}

func WithCause(err error) Option {
	return func(e *Error) {
		e.Err = err
	}
}

func newError(kind Kind, message string, opts ...Option) *Error {
	e := &Error{Kind: kind, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Config(message string, opts ...Option) *Error {
	return newError(KindConfig, message, opts...)
}

func Auth(message string, opts ...Option) *Error {
	return newError(KindAuth, message, opts...)
}

func Validation(message string, opts ...Option) *Error {
	return newError(KindValidation, message, opts...)
}

func Upstream(message string, opts ...Option) *Error {
	return newError(KindUpstream, message, opts...)
}

func Persistence(message string, opts ...Option) *Error {
	return newError(KindPersistence, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return newError(KindNotFound, message, opts...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries an *Error of the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
