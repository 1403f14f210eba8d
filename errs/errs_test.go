package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	e := New(CodeArgument, "bad value: %d", 42)
	require.NotEmpty(t, e.Stack)
	assert.Contains(t, e.Error(), "bad value: 42")
	assert.Contains(t, e.Error(), "argument")
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(CodeResourceExhausted, cause, "allocation failed")
	assert.Same(t, cause, errors.Unwrap(e))
	assert.True(t, errors.Is(e, cause))
}

func TestAtOffset(t *testing.T) {
	e := New(CodeCorruption, "magic mismatch").AtOffset(4096)
	assert.Contains(t, e.Error(), "offset=4096")
}

func TestFromErrno(t *testing.T) {
	assert.Nil(t, FromErrno(nil))
	e := FromErrno(errors.New("ENOSPC"))
	assert.Equal(t, CodeOS, e.Code)
	assert.NotNil(t, e.Errno)
}
