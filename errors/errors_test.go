package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connect timeout", ErrConnectTimeout, true},
		{"connection closed", ErrConnectionClosed, true},
		{"request timeout", ErrRequestTimeout, true},
		{"adapter failure", ErrAdapterFailure, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped transient", fmt.Errorf("send: %w", ErrRequestTimeout), true},
		{"message pattern", stderrors.New("dial tcp: network is unreachable"), true},
		{"permission denied", ErrPermissionDenied, false},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrPermissionDenied))
	assert.True(t, IsInvalid(ErrInvalidEnvelope))
	assert.True(t, IsInvalid(ErrInvalidConfig))
	assert.True(t, IsInvalid(fmt.Errorf("check: %w", ErrPermissionDenied)))
	assert.False(t, IsInvalid(ErrConnectTimeout))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrRetriesExhausted))
	assert.True(t, IsFatal(ErrClosed))
	assert.False(t, IsFatal(ErrRequestTimeout))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrPermissionDenied))
	assert.Equal(t, ErrorFatal, Classify(ErrRetriesExhausted))
	assert.Equal(t, ErrorTransient, Classify(ErrRequestTimeout))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("unknown")))
}

func TestWrap(t *testing.T) {
	base := stderrors.New("underlying")
	err := Wrap(base, "Transport", "Request", "write envelope")

	require.Error(t, err)
	assert.Equal(t, "Transport.Request: write envelope failed: underlying", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Transport", "Request", "write envelope"))
}

func TestWrapClassified(t *testing.T) {
	base := stderrors.New("underlying")

	transient := WrapTransient(base, "Transport", "Connect", "open channel")
	require.Error(t, transient)
	assert.True(t, IsTransient(transient))
	assert.True(t, stderrors.Is(transient, base))

	invalid := WrapInvalid(base, "Policy", "Check", "match pattern")
	assert.True(t, IsInvalid(invalid))
	assert.False(t, IsTransient(invalid))

	fatal := WrapFatal(base, "Transport", "Close", "teardown")
	assert.True(t, IsFatal(fatal))

	var ce *ClassifiedError
	require.True(t, stderrors.As(fatal, &ce))
	assert.Equal(t, "Transport", ce.Component)
	assert.Equal(t, "Close", ce.Operation)

	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassifiedError_ErrorAndUnwrap(t *testing.T) {
	base := stderrors.New("root cause")
	ce := &ClassifiedError{Class: ErrorTransient, Err: base}
	assert.Equal(t, "root cause", ce.Error())
	assert.Equal(t, base, ce.Unwrap())

	withMsg := &ClassifiedError{Class: ErrorTransient, Err: base, Message: "custom"}
	assert.Equal(t, "custom", withMsg.Error())
}
