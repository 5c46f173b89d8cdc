package publish

import (
	"errors"
	"net/http"

	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
)

// Kind groups publish failures by how the client should react
type Kind int

const (
	// KindValidation is a request that can never succeed as sent
	KindValidation Kind = iota + 1
	// KindConflict is a request racing an identical one; retry later
	KindConflict
	// KindUnavailable is a transient infrastructure failure; safe to retry
	KindUnavailable
	// KindInternal is anything else
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is returned by Service.Publish for every failure
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the error to the HTTP status returned to the client
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		if errors.Is(e.Err, idempotency.ErrFingerprintMismatch) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classify wraps a store failure that happened after validation
func classify(msg string, err error) *Error {
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		return &Error{Kind: KindConflict, Msg: msg, Err: err}
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return &Error{Kind: KindValidation, Msg: msg, Err: err}
	case db.IsUnavailable(err):
		return &Error{Kind: KindUnavailable, Msg: msg, Err: err}
	default:
		return &Error{Kind: KindInternal, Msg: msg, Err: err}
	}
}
