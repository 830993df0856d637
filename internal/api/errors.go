package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingCredentials = errors.New("api: server address, access token and user id are required")
	ErrUnexpectedItem     = errors.New("api: unexpected item in response")
)

// Error is a non-2xx answer from the media server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsClientError reports whether err carries a 4xx status. Those are answers, not
// outages, so they never trip the circuit breaker.
func IsClientError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
