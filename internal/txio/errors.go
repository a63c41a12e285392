package txio

import (
	"errors"
	"fmt"
)

// Transactional I/O errors
var (
	ErrTransaction      = errors.New("txio: transaction failed")
	ErrChecksumMismatch = errors.New("txio: checksum mismatch")
)

// TransactionError is the general failure of a transactional operation.
// It matches ErrTransaction with errors.Is.
type TransactionError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("txio: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransaction.
func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

// ChecksumMismatchError means data was found but does not match the digest
// recorded in its sidecar. It matches both ErrChecksumMismatch and
// ErrTransaction.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("txio: checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Is reports whether target is ErrChecksumMismatch or ErrTransaction.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch || target == ErrTransaction
}

func txErr(op, path string, err error) error {
	return &TransactionError{Op: op, Path: path, Err: err}
}
