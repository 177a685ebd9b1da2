package store

import (
	"errors"
	"fmt"
)

// StorageError reports that the rule metadata store or the audit log could
// not be written. Callers keep serving from memory and surface a warning.
type StorageError struct {
	Component string // "registry" or "audit"
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage: %s: %v", e.Component, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err, unless it is already a StorageError.
func NewStorageError(component, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Component: component, Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
