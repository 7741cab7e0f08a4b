package report

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is wrapped by ParseError when a required field is absent
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField is wrapped by ParseError when a required field cannot be parsed
	ErrInvalidField = errors.New("invalid field value")
)

// ParseError reports a raw report that is malformed or incomplete for the
// detected report kind.
type ParseError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s report: %s: %v", e.Kind, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func missing(kind Kind, field string) error {
	return &ParseError{Kind: kind, Field: field, Err: ErrMissingField}
}

func invalid(kind Kind, field string, cause error) error {
	return &ParseError{Kind: kind, Field: field, Err: fmt.Errorf("%w: %v", ErrInvalidField, cause)}
}
