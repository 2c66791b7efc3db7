package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNetwork matches every failure to retrieve a payload from the source.
var ErrNetwork = errors.New("network failure")

// ErrTooSmall indicates the source returned fewer bytes than a valid payload.
var ErrTooSmall = errors.New("payload too small")

// Error describes a failed download after all attempts were spent.
type Error struct {
	URL      string
	Status   int // Last HTTP status, 0 if none was received
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s failed after %d attempt(s): HTTP %d: %v", e.URL, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every *Error match ErrNetwork.
func (e *Error) Is(target error) bool {
	return target == ErrNetwork
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

// permanent reports whether retrying the status cannot help.
func (e *statusError) permanent() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return false
	}
	return e.code >= 400 && e.code < 500
}
