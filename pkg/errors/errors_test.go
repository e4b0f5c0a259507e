package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationByCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		transient bool
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeProcessorTimeout, CategoryProcessor, true},
		{ErrCodeProcessorRateLimited, CategoryProcessor, true},
		{ErrCodeProcessorUnavailable, CategoryProcessor, true},
		{ErrCodeNetworkError, CategoryProcessor, true},
		{ErrCodeInvalidInput, CategoryValidation, false},
		{ErrCodeUnsupportedParams, CategoryValidation, false},
		{ErrCodeTierUnavailable, CategoryCache, true},
		{ErrCodeDurableWrite, CategoryCache, false},
		{ErrCodeRetryExhausted, CategoryRetry, false},
		{ErrCodePanicRecovered, CategoryInternal, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			err := New(tt.code, "boom")
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeNetworkError, "processor call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(ErrCodeJobNotFound, "job x not found"))
	assert.True(t, stderrors.Is(err, New(ErrCodeJobNotFound, "")))
	assert.False(t, stderrors.Is(err, New(ErrCodeJobCanceled, "")))
}

func TestIsExhausted(t *testing.T) {
	t.Parallel()

	exhausted := Wrap(ErrCodeRetryExhausted, "max attempts exceeded", New(ErrCodeProcessorTimeout, "timeout"))
	assert.True(t, IsExhausted(exhausted))
	assert.False(t, IsTransient(exhausted), "exhaustion is terminal, not retryable")
	assert.False(t, IsExhausted(New(ErrCodeProcessorTimeout, "timeout")))
	assert.False(t, IsExhausted(nil))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrCodeTierUnavailable, Classify(New(ErrCodeTierUnavailable, "down")))
	assert.Equal(t, ErrCodeTierUnavailable,
		Classify(fmt.Errorf("wrapped: %w", New(ErrCodeTierUnavailable, "down"))))
	assert.Equal(t, ErrCodeInternalError, Classify(stderrors.New("plain error")))
}

func TestWithRetryableOverride(t *testing.T) {
	t.Parallel()

	// DURABLE_WRITE is permanent by default but a caller who knows the
	// outage is brief can mark it transient.
	err := New(ErrCodeDurableWrite, "s3 put failed").WithRetryable(true)
	assert.True(t, IsTransient(err))

	err = New(ErrCodeNetworkError, "flaky").WithRetryable(false)
	assert.False(t, IsTransient(err))
}

func TestBuilderContext(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeChunkFailed, "chunk processing failed").
		WithComponent("orchestrator").
		WithOperation("process").
		WithContext("chunk", "3")

	require.NotNil(t, err.Context)
	assert.Equal(t, "3", err.Context["chunk"])
	assert.Contains(t, err.Error(), "[orchestrator:process]")
	assert.Contains(t, err.String(), "Component=orchestrator")
}

func TestIsTransientNonPipelineError(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(stderrors.New("plain")))
	assert.False(t, IsTransient(nil))
}
