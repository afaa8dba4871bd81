package ingest

import (
	"errors"
	"net/http"
)

// Kind classifies why a ping was not accepted.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindFreshness
	KindReplay
	KindAuth
	KindPersistence
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindFreshness:
		return "freshness"
	case KindReplay:
		return "replay"
	case KindAuth:
		return "auth"
	case KindPersistence:
		return "persistence"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrFreshness     = &Error{Kind: KindFreshness}
	ErrReplay        = &Error{Kind: KindReplay}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrInternal      = &Error{Kind: KindInternal}
)

// Error is a rejected ping. Stage is the last stage the ping completed
// before it was rejected.
type Error struct {
	Kind   Kind
	Stage  Stage
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "ingest: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func reject(kind Kind, stage Stage, reason string) *Error {
	return &Error{Kind: kind, Stage: stage, Reason: reason}
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code returned to the client.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindFreshness, KindReplay, KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show the client. Signature
// failures always read "unauthorized" so the response does not reveal which
// check failed; internal errors hide their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}

	switch e.Kind {
	case KindAuth:
		return "unauthorized"
	case KindValidation, KindFreshness, KindReplay:
		if e.Reason != "" {
			return e.Reason
		}
		return e.Kind.String()
	default:
		return "internal error"
	}
}
