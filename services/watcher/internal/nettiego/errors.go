package nettiego

import (
	"errors"
	"fmt"
)

// ErrCannotConnect is returned when a probe of a new device fails.
var ErrCannotConnect = errors.New("cannot connect to device")

// APIError is returned when the device answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device returned %d: %s", e.StatusCode, e.Body)
}

// UnreachableError wraps transport failures: refused connections, DNS
// errors, connect timeouts and context deadlines.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("device unreachable at %s: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when the body is not JSON or does not
// have the expected top-level shape.
type MalformedResponseError struct {
	Path string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Path, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: an API error or an
// unreachable device. Malformed payloads are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var unreachable *UnreachableError
	return errors.As(err, &unreachable)
}
