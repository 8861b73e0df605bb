package httpx

import "fmt"

// APIError is a failed upstream request: transport error, timeout, or a
// non-2xx status. All of these are transient from the caller's point of view
// and subject to the retry policy.
type APIError struct {
	Path   string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("HTTP %d %s", e.Status, e.Path)
	}
	return fmt.Sprintf("request %s: %v", e.Path, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
