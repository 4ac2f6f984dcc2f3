package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx answer of the remote API.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string // leading part of the response body
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote: %s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Permanent reports whether repeating the request cannot succeed: a 4xx other
// than request timeout and rate limiting. The mutation queue fails such
// operations without further retries.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
