package main

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record is not present in the store.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned when adding an item whose id is already taken.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrInvalidInput is returned when a payload fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrItemGone is returned when an offer references an item that does not
// exist, or that was deleted between the caller's existence check and the
// ledger write.
var ErrItemGone = errors.New("referenced item does not exist")

// StorageError wraps a Redis failure with the operation and key that hit it,
// so callers can log context and distinguish unavailability from absence.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
