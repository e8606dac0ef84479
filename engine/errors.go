package engine

import (
	"errors"
	"net/http"

	"github.com/durable-streams/server-go/store"
)

// protocolError is the single error type handlers return. The dispatch
// boundary translates it to a status code, a no-store Cache-Control, and
// a short X-Error hint; it never reaches adapters as a Go error.
type protocolError struct {
	status int
	hint   string
}

func (e *protocolError) Error() string {
	return e.hint
}

func badRequest(hint string) *protocolError {
	return &protocolError{status: http.StatusBadRequest, hint: hint}
}

func notFound() *protocolError {
	return &protocolError{status: http.StatusNotFound, hint: "stream not found"}
}

func conflict(hint string) *protocolError {
	return &protocolError{status: http.StatusConflict, hint: hint}
}

func internal(hint string) *protocolError {
	return &protocolError{status: http.StatusInternalServerError, hint: hint}
}

// mapStoreError translates a store error kind to its protocol error
// exactly once, at the pipeline boundary.
func mapStoreError(err error) *protocolError {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return notFound()
	case errors.Is(err, store.ErrConfigMismatch):
		return conflict("stream exists with different configuration")
	case errors.Is(err, store.ErrSequenceConflict):
		return conflict("sequence regression")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return conflict("content type mismatch")
	case errors.Is(err, store.ErrEmptyBody):
		return badRequest("empty body not allowed")
	case errors.Is(err, store.ErrInvalidJSON):
		return badRequest("invalid JSON")
	case errors.Is(err, store.ErrEmptyJSONArray):
		return badRequest("empty JSON array not allowed")
	case errors.Is(err, store.ErrOffsetBeyondTail):
		return badRequest("offset beyond stream")
	case errors.Is(err, store.ErrOffsetGone):
		return &protocolError{status: http.StatusGone, hint: "offset before retention floor"}
	default:
		return internal("internal error")
	}
}
