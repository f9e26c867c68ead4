package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned when a provider answers with a non-success HTTP status.
type StatusError struct {
	Provider string
	Code     int
	Message  string
	Err      error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: API error %d", e.Provider, e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether the status usually clears on its own.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// ErrEmptyResponse is returned when a provider answers without any candidate.
var ErrEmptyResponse = errors.New("empty response from provider")

// StatusCode extracts the HTTP status from err, or 0 if it carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
