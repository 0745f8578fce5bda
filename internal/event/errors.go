package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for event decoding.
var (
	ErrInvalidCategory = errors.New("event: invalid category")
	ErrFrameTooLarge   = errors.New("event: frame exceeds maximum size")
	ErrValueRange      = errors.New("event: value exceeds 32 bits")
)

// ParseError indicates a failure to decode one field of a packed event.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("event: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
