package scanerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Urethramancer/scanflow/internal/scanerr"
)

func TestIsDataAndIsFatal(t *testing.T) {
	data := scanerr.New(scanerr.MemoryData, "op")
	fatal := scanerr.Wrap(scanerr.MemoryFatal, "op", errors.New("backend gone"))

	assert.True(t, scanerr.IsData(data))
	assert.False(t, scanerr.IsFatal(data))

	assert.True(t, scanerr.IsFatal(fatal))
	assert.False(t, scanerr.IsData(fatal))
}

func TestWrapNilCause(t *testing.T) {
	err := scanerr.Wrap(scanerr.InvalidArgument, "op", nil)
	assert.True(t, scanerr.Is(err, scanerr.InvalidArgument))
	assert.Nil(t, err.Unwrap())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := scanerr.Wrap(scanerr.ModuleNotFound, "sigmaker.FindSigs", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, scanerr.IsData(errors.New("plain")))
	assert.False(t, scanerr.IsFatal(nil))
}
