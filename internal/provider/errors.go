package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for token endpoint failures.
// Use errors.Is(err, provider.ErrRejected) to check.
var (
	ErrRejected = errors.New("provider rejected token request")
	ErrNetwork  = errors.New("provider unreachable")
)

// RefreshError wraps a sentinel with the provider and, for rejections, the
// HTTP status of the token endpoint.
type RefreshError struct {
	Provider   Name
	StatusCode int
	Err        error // sentinel, for errors.Is()
	Cause      error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v: %v", e.Provider, e.StatusCode, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Err, e.Cause)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
