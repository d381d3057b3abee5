package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCachedData means the requested record is not in the store.
	ErrNoCachedData = errors.New("no cached data")

	// ErrInvalidNote is returned before any write when a note is empty or
	// whitespace only.
	ErrInvalidNote = errors.New("invalid note: must contain non-whitespace text")

	// ErrClosed is returned for writes submitted after Close.
	ErrClosed = errors.New("store is closed")
)

// Op is the storage path that failed.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Error is an underlying storage fault. Storage errors are never retried.
type Error struct {
	Op   Op
	Name string // operation name, e.g. "write_list"
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Name, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageRead reports whether err is a read-path fault.
func IsStorageRead(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Op == OpRead
}

// IsStorageWrite reports whether err is a write-path fault.
func IsStorageWrite(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Op == OpWrite
}

func readError(name string, err error) error {
	return &Error{Op: OpRead, Name: name, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNoCachedData) || errors.Is(err, ErrInvalidNote)
}
