package api

import (
	"errors"
	"fmt"
)

var ErrConflict = errors.New("version conflict")

// ConflictError reports an optimistic-concurrency rejection from the Write
// API. It carries enough context for the caller to drive resolution; the
// write layer never retries these.
type ConflictError struct {
	Path           string
	Reason         string
	CurrentVersion string
	ModifiedBy     string
	ModifiedAt     string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "version conflict"
	}
	if e.Reason != "" {
		return fmt.Sprintf("version conflict for %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("version conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http request failed"
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
}
