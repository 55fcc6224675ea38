package retrystore

import "fmt"

// CorruptError reports stored content that could not be decoded.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt retry store %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }
