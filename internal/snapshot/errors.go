package snapshot

import "fmt"

// UniverseIncompleteError reports an assembly that produced fewer alt items
// than the configured minimum. Callers should treat it as retryable.
type UniverseIncompleteError struct {
	Stage    string
	Expected int
	Actual   int
}

func (e *UniverseIncompleteError) Error() string {
	return fmt.Sprintf("universe incomplete at %s: expected %d alts, got %d", e.Stage, e.Expected, e.Actual)
}

// TooLargeError reports a serialized snapshot exceeding the size ceiling.
type TooLargeError struct {
	Size  int
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("snapshot too large: %d bytes exceeds limit %d", e.Size, e.Limit)
}
