package app

import (
	"errors"
	"fmt"
	"net/http"

	"votes/analytics/internal/pipeline"
)

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

// requestError turns a rejected pipeline request into a 400.
func requestError(err error) error {
	var cfgErr *pipeline.ConfigError
	if errors.As(err, &cfgErr) {
		return domainError(http.StatusBadRequest, "INVALID_REQUEST", cfgErr.Message, nil)
	}
	return err
}
