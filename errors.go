package bufmgr

import (
	"errors"

	"github.com/hupe1980/bufmgr/errs"
)

// Error classes. Match them with errors.Is.
var (
	// ErrComponent classifies storage and I/O failures. They are fatal to the
	// owning query and never retried.
	ErrComponent = errs.ErrComponent

	// ErrContractViolation classifies caller programming errors.
	ErrContractViolation = errs.ErrContractViolation

	// ErrStorageExhausted is returned when spill storage is full.
	ErrStorageExhausted = errs.ErrStorageExhausted

	// ErrOutOfBounds is returned for reads past the end of a file store.
	ErrOutOfBounds = errs.ErrOutOfBounds

	// ErrClosed is returned when an object is used after it was closed or removed.
	ErrClosed = errs.ErrClosed

	// ErrLobNotFound is returned when a LOB reference id is not tracked.
	ErrLobNotFound = errs.ErrLobNotFound
)

// ComponentError wraps an underlying I/O or storage error.
//
// The original underlying error can be accessed via errors.Unwrap.
type ComponentError = errs.ComponentError

// ContractViolation reports a caller programming error.
type ContractViolation = errs.ContractViolation

// IsContractViolation reports whether err is a caller programming error.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsComponentFailure reports whether err is a storage or I/O failure.
func IsComponentFailure(err error) bool {
	return errors.Is(err, ErrComponent)
}
