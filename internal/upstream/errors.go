package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure classes. Callers branch on these with errors.Is.
var (
	ErrRateLimited  = errors.New("upstream: rate limited")
	ErrUnauthorized = errors.New("upstream: unauthorized")
	ErrTransient    = errors.New("upstream: transient failure")
)

// APIError is a non-2xx upstream response. It unwraps to one of the
// failure classes above.
type APIError struct {
	Op          string
	Status      int
	Code        string // OAuth "error" field when present
	Description string // OAuth "error_description" or a body excerpt
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Op, e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *APIError) Unwrap() error { return classifyStatus(e.Status, e.Code) }

// classifyStatus maps a response to a failure class. invalid_grant is how
// token endpoints report a revoked refresh token, so it counts as unauthorized.
func classifyStatus(status int, code string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case code == "invalid_grant":
		return ErrUnauthorized
	case status >= 500:
		return ErrTransient
	default:
		return nil
	}
}

// transportError wraps network failures and timeouts as ErrTransient.
func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
