package services

import (
	"errors"
	"fmt"
)

// ErrSubmissionNotFound maps to 404 at the HTTP boundary.
var ErrSubmissionNotFound = errors.New("submission not found")

// ValidationError rejects a request at the boundary; it is never retried.
type ValidationError struct {
	Code    string // MissingField | InvalidCarrier | InvalidStatus
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func missingField(field string) *ValidationError {
	return &ValidationError{Code: "MissingField", Message: fmt.Sprintf("field %q is required", field)}
}

func invalidCarrier(carrier string) *ValidationError {
	return &ValidationError{Code: "InvalidCarrier", Message: fmt.Sprintf("carrier %q is not supported", carrier)}
}

func invalidStatus(status string) *ValidationError {
	return &ValidationError{Code: "InvalidStatus", Message: fmt.Sprintf("status %q is not a terminal status", status)}
}
