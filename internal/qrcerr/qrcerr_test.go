package qrcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(ConnectionFailed, "dial core", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CONNECTION_FAILED")
}

func TestKindOf_ExtractsKindThroughWrapping(t *testing.T) {
	base := New(Timeout, "command timed out")
	wrapped := fmt.Errorf("sendCommand failed: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, Timeout, kind)
}

func TestKindOf_FalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIs_MatchesOnKindOnly(t *testing.T) {
	a := New(ValidationFailed, "ramp out of range")
	b := New(ValidationFailed, "different message")

	assert.True(t, errors.Is(a, b))
}

func TestWithContext_AttachesStructuredFields(t *testing.T) {
	err := New(InvalidControl, "unknown control").WithContext("name", "Foo.bar")
	assert.Equal(t, "Foo.bar", err.Context["name"])
}
