package client

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned when a request was rejected and the
	// session could not be renewed. The token store has been cleared.
	ErrSessionExpired = errors.New("session expired, sign in again")

	// ErrNotSignedIn is returned by calls that need a session when none is held.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrInsufficientRole is returned by RequireRole.
	ErrInsufficientRole = errors.New("insufficient role")
)

// APIError is a non-success envelope returned by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
