package app

import (
	"fmt"
	"net/http"
)

// DomainError is the one error type the HTTP layer maps directly: Status and
// Code go on the wire, Details is an optional JSON payload.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError rejects a request whose body is well-formed but whose
// content violates a rule: unknown section key, bad decision, wrong state.
func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// forbiddenError rejects a caller the operation is not for: non-members,
// non-authors on author-only writes, roles without the needed action.
func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFoundError(message string, details any) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, details)
}
