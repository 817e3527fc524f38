package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponent(t *testing.T) {
	assert.NoError(t, Component("op", nil))

	err := Component("write", io.ErrShortWrite)
	assert.ErrorIs(t, err, ErrComponent)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.NotErrorIs(t, err, ErrContractViolation)

	var ce *ComponentError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "write", ce.Op)

	// Already classified errors are not wrapped twice.
	assert.Same(t, err, Component("outer", err))
}

func TestViolation(t *testing.T) {
	err := Violation("getBatch", "row %d already consumed", 3)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.NotErrorIs(t, err, ErrComponent)
	assert.Contains(t, err.Error(), "row 3 already consumed")

	err = ViolationOf("read", ErrOutOfBounds, "offset %d", 10)
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// A violation passed to Component keeps its class.
	assert.ErrorIs(t, Component("x", err), ErrContractViolation)
	assert.NotErrorIs(t, Component("x", err), ErrComponent)
}
