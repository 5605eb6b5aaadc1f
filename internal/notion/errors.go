package notion

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("notion: unauthorized")
	ErrForbidden    = errors.New("notion: forbidden")
	ErrRateLimited  = errors.New("notion: rate limited")
	ErrNotFound     = errors.New("notion: not found")
	ErrBadRequest   = errors.New("notion: bad request")
	// ErrTransient matches every failure the client would have retried:
	// throttling, 5xx, network errors and per-attempt timeouts.
	ErrTransient = errors.New("notion: transient failure")
)

// APIError describes the final failed attempt of a request.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
	Attempts   int
	// Err is set when no response was received.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("notion %s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("notion %s %s failed: status=%d code=%s message=%s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion %s %s failed: status=%d message=%s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.Code == "unauthorized"
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden || e.Code == "restricted_resource"
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests || e.Code == "rate_limited"
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Code == "object_not_found"
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusConflict ||
			e.StatusCode == http.StatusUnprocessableEntity || e.Code == "validation_error"
	case ErrTransient:
		return e.Transient()
	}
	return false
}

// Transient reports whether the failure was retryable.
func (e *APIError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return isTransientStatus(e.StatusCode)
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func newStatusError(method, path string, status int, body []byte, attempts int) *APIError {
	apiErr := &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
		Attempts:   attempts,
	}
	var parsed errorBody
	if decodeJSON(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

type errorBody struct {
	Object  string `json:"object"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
