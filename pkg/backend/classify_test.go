package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    ErrorClass
	}{
		{"http 429", "HTTP 429 Too Many Requests", ClassRateLimit},
		{"quota", "quota exceeded for this project", ClassRateLimit},
		{"auth 401", "401 Unauthorized", ClassAuthError},
		{"bad key", "invalid api key provided", ClassAuthError},
		{"timeout", "request timed out after 30s", ClassTimeout},
		{"deadline", "context deadline exceeded", ClassTimeout},
		{"overloaded", "model is overloaded, try again later", ClassModelUnavailable},
		{"503", "upstream returned 503", ClassModelUnavailable},
		{"conn refused", "dial tcp: connection refused", ClassNetworkError},
		{"eof", "unexpected EOF while reading response", ClassNetworkError},
		{"bad request", "400 Bad Request", ClassInvalidRequest},
		{"context window", "prompt is too long for the context window", ClassContextTooLong},
		{"context length beats invalid", "400 context_length_exceeded", ClassContextTooLong},
		{"reasoning", "reasoning step produced contradiction", ClassReasoningError},
		{"output parse", "output parse failed on block 3", ClassOutputError},
		{"sandbox", "sandbox execution denied", ClassSandboxError},
		{"context tag", "agent context_error: lost thread", ClassContextError},
		{"unknown", "something inexplicable happened", ClassUnknown},
		{"empty", "", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message))
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorClass{
		ClassRateLimit, ClassTimeout, ClassNetworkError, ClassModelUnavailable,
		ClassReasoningError, ClassOutputError, ClassUnknown,
	}
	permanent := []ErrorClass{
		ClassAuthError, ClassInvalidRequest, ClassContextTooLong,
		ClassContextError, ClassSandboxError,
	}

	for _, class := range retryable {
		assert.True(t, Retryable(class), "%s should be retryable", class)
	}
	for _, class := range permanent {
		assert.False(t, Retryable(class), "%s should not be retryable", class)
	}
}
