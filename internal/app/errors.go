package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets callers match a DomainError against ErrValidation, ErrPermissionDenied
// or ErrNotFound.
func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.kind
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	err := domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
	err.kind = ErrValidation
	return err
}

func permissionDenied(message string) *DomainError {
	err := domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
	err.kind = ErrPermissionDenied
	return err
}

func notFound(message string) *DomainError {
	err := domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
	err.kind = ErrNotFound
	return err
}
