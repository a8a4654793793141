package connection

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is an error response of the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	Details    string
	RequestID  string
	LeaderAddr string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d: %s", e.Status, msg)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Retryable reports whether the request may succeed later unchanged.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
