// Package failure carries operation-coded errors across the persistence layers.
package failure

import (
	"errors"
	"fmt"
)

// Error pairs a stable `<operation>.<reason>` code with the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation-qualified failure code.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error for the given operation, reason and cause.
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

// CodeOf extracts the failure code from err, or returns "" when err carries none.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
