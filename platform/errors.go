package platform

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCredentialsMissing signals the client was built without the credentials an endpoint needs.
	ErrCredentialsMissing = errors.New("platform: api credentials not configured")
	// ErrUnauthenticated signals a user-scoped call without a user token.
	ErrUnauthenticated = errors.New("platform: missing user token")
)

// APIError is a non-2xx platform response.
type APIError struct {
	Status int
	Code   string
	Title  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("platform: status %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("platform: status %d: %s: %s", e.Status, e.Code, e.Title)
}

// StatusOf returns the HTTP status carried by err, or 500 when err is not a platform error.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 {
		return apiErr.Status
	}
	if errors.Is(err, ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

type errorEnvelope struct {
	Errors []struct {
		Status int    `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
	} `json:"errors"`
}
