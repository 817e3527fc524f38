// Package errs defines the error taxonomy shared by all buffer subsystem packages.
//
// Two classes exist and callers distinguish them with errors.Is:
//
//   - ErrComponent: storage allocation failures, disk read/write errors. Fatal to the
//     owning query and never retried.
//   - ErrContractViolation: the caller broke an API contract (forward-only re-access,
//     out-of-bounds read, double close). These indicate a bug, not a transient condition.
//
// Exceeding a memory budget is not an error anywhere in this module.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrComponent classifies I/O and storage failures.
	ErrComponent = errors.New("component failure")

	// ErrContractViolation classifies caller programming errors.
	ErrContractViolation = errors.New("contract violation")

	// ErrStorageExhausted is returned when the storage backend cannot allocate space.
	// It is always wrapped in a ComponentError.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrOutOfBounds is returned for reads past the end of a FileStore.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrClosed is returned when an object is used after it was closed or removed.
	ErrClosed = errors.New("closed")

	// ErrLobNotFound is returned when a LOB reference id is not tracked.
	ErrLobNotFound = errors.New("lob reference not found")
)

// ComponentError wraps an underlying I/O or storage error.
type ComponentError struct {
	Op  string
	Err error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrComponent.Error(), e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// Is reports ErrComponent membership.
func (e *ComponentError) Is(target error) bool { return target == ErrComponent }

// ContractViolation reports a caller programming error.
type ContractViolation struct {
	Op    string
	Msg   string
	cause error
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrContractViolation.Error(), e.Msg)
}

func (e *ContractViolation) Unwrap() error { return e.cause }

// Is reports ErrContractViolation membership.
func (e *ContractViolation) Is(target error) bool { return target == ErrContractViolation }

// Component wraps err as a ComponentError. It returns nil for a nil err and does not
// re-wrap errors that are already classified.
func Component(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrComponent) || errors.Is(err, ErrContractViolation) {
		return err
	}
	return &ComponentError{Op: op, Err: err}
}

// Violation builds a ContractViolation with a formatted message.
func Violation(op, format string, args ...any) error {
	return &ContractViolation{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ViolationOf builds a ContractViolation that also matches cause via errors.Is.
func ViolationOf(op string, cause error, format string, args ...any) error {
	return &ContractViolation{Op: op, Msg: fmt.Sprintf(format, args...), cause: cause}
}
