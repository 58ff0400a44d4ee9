package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying API failures.
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
	ErrClientError  = errors.New("API request rejected")
	ErrNetwork      = errors.New("network error contacting API")
)

// FetchError is the terminal error of a fetch whose retry budget ran out, or
// that failed permanently. Kind is one of the sentinels above; Attempts is
// how many requests were actually sent.
type FetchError struct {
	Kind       error
	StatusCode int
	Attempts   int
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v (status %d after %d attempt(s))", e.Kind, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%v (after %d attempt(s))", e.Kind, e.Attempts)
}

func (e *FetchError) Unwrap() error {
	return e.Kind
}

// IsPermanent reports whether the error represents a failure that retrying
// can never fix (4xx other than 429).
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrClientError)
}
