// Package apperr carries the error kinds shared by the services and the
// transports. Expected rejections (Forbidden, NotFound, InvalidInput) are
// values callers branch on; faults are wrapped with PersistenceFailure or
// ExternalServiceFailure so the cause is kept for logging.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindInvalidInput Kind = "VALIDATION_ERROR"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindConflict     Kind = "CONFLICT"
	KindExternal     Kind = "EXTERNAL_SERVICE_FAILURE"
	KindPersistence  Kind = "PERSISTENCE_FAILURE"
)

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Status is the HTTP status a request/response caller should see.
func (e *DomainError) Status() int {
	switch e.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string, details any) *DomainError {
	return &DomainError{Kind: kind, Code: string(kind), Message: message, Details: details}
}

func Forbidden(message string) *DomainError {
	return New(KindForbidden, message, nil)
}

func NotFound(message string) *DomainError {
	return New(KindNotFound, message, nil)
}

func Invalid(message string, details any) *DomainError {
	return New(KindInvalidInput, message, details)
}

func Unauthorized(message string) *DomainError {
	return New(KindUnauthorized, message, nil)
}

func Conflict(message string) *DomainError {
	return New(KindConflict, message, nil)
}

func Persistence(err error) *DomainError {
	return &DomainError{Kind: KindPersistence, Code: "SERVER_ERROR", Message: "Storage unavailable", Err: err}
}

func External(err error) *DomainError {
	return &DomainError{Kind: KindExternal, Code: string(KindExternal), Message: "Upstream service failed", Err: err}
}

// KindOf reports the kind of err. Errors that are not DomainErrors are
// unexpected faults and report KindPersistence.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindPersistence
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
