package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by adapters used before Connect
	ErrNotConnected = errors.New("store not connected")
	// ErrInvalidKey is returned for empty recipients or message IDs
	ErrInvalidKey = errors.New("invalid store key")
)

// StoreError reports a failed store operation. Callers must not treat it as
// either "retry" or "do not retry"; it is escalated as-is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *StoreError for op. A nil err stays nil and an
// existing StoreError is returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err carries a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
