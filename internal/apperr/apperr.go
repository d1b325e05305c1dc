// Package apperr defines the error kinds from spec §7 and their HTTP
// mapping, so every layer below the Gateway can return a typed error and
// let one place translate it into the stable {error, ...} JSON envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindRateLimited       Kind = "rate_limited"
	KindNotFound          Kind = "not_found"
	KindGated             Kind = "gated"
	KindQueued            Kind = "queued"
	KindTransient         Kind = "transient_upstream"
	KindFatal             Kind = "fatal"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindMaintenance       Kind = "maintenance"
)

// Error is the typed error every layer above the Store/ChainAdapter
// should return for anything the Gateway needs to render specially.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Reason  string // optional machine reason, e.g. "minute_limit_exceeded"
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new(kind Kind, status int, msg string, reason string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Reason: reason, Err: err}
}

func Validation(msg string) *Error          { return new(KindValidation, http.StatusBadRequest, msg, "", nil) }
func Auth(msg string) *Error                { return new(KindAuth, http.StatusUnauthorized, msg, "", nil) }
func NotFound(msg string) *Error            { return new(KindNotFound, http.StatusNotFound, msg, "", nil) }
func Queued(msg string) *Error              { return new(KindQueued, http.StatusAccepted, msg, "", nil) }
func Maintenance(msg string) *Error         { return new(KindMaintenance, http.StatusServiceUnavailable, msg, "", nil) }
func PayloadTooLarge(msg string) *Error     { return new(KindPayloadTooLarge, http.StatusRequestEntityTooLarge, msg, "", nil) }

func RateLimited(msg, reason string) *Error {
	return new(KindRateLimited, http.StatusTooManyRequests, msg, reason, nil)
}

func Gated(msg, reason string) *Error {
	return new(KindGated, http.StatusForbidden, msg, reason, nil)
}

func Transient(msg string, err error) *Error {
	return new(KindTransient, http.StatusBadGateway, msg, "", err)
}

func Fatal(msg string, err error) *Error {
	return new(KindFatal, http.StatusInternalServerError, msg, "", err)
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
