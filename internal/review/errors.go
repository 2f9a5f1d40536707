package review

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func notFound(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: message}
}

func conflict(message string) *DomainError {
	return &DomainError{Status: http.StatusConflict, Code: "CONFLICT", Message: message}
}

func invalid(message string) *DomainError {
	return &DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: message}
}
