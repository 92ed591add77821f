package backend

import "strings"

// ErrorClass buckets free-form backend error strings
type ErrorClass string

const (
	ClassRateLimit        ErrorClass = "RATE_LIMIT"
	ClassAuthError        ErrorClass = "AUTH_ERROR"
	ClassTimeout          ErrorClass = "TIMEOUT"
	ClassModelUnavailable ErrorClass = "MODEL_UNAVAILABLE"
	ClassNetworkError     ErrorClass = "NETWORK_ERROR"
	ClassInvalidRequest   ErrorClass = "INVALID_REQUEST"
	ClassContextTooLong   ErrorClass = "CONTEXT_TOO_LONG"
	ClassReasoningError   ErrorClass = "reasoning_error"
	ClassOutputError      ErrorClass = "output_error"
	ClassContextError     ErrorClass = "context_error"
	ClassSandboxError     ErrorClass = "sandbox_error"
	ClassUnknown          ErrorClass = "UNKNOWN"
)

// classPatterns maps lowercase substrings to classes. First match wins, so
// the more specific patterns come first.
var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ClassContextTooLong, []string{"context length", "context_length_exceeded", "maximum context", "prompt is too long", "context window"}},
	{ClassRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests", "quota exceeded"}},
	{ClassAuthError, []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication", "credential"}},
	{ClassTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ClassModelUnavailable, []string{"model not found", "model_not_found", "503", "overloaded", "capacity", "unavailable"}},
	{ClassNetworkError, []string{"connection refused", "connection reset", "no such host", "network", "broken pipe", "unexpected eof"}},
	{ClassSandboxError, []string{"sandbox"}},
	{ClassReasoningError, []string{"reasoning"}},
	{ClassOutputError, []string{"output parse", "malformed output", "output_error"}},
	{ClassContextError, []string{"context_error"}},
	{ClassInvalidRequest, []string{"invalid request", "bad request", "400", "malformed request", "invalid argument"}},
}

// Classify maps a backend error string onto the taxonomy. Unrecognized
// strings classify as UNKNOWN.
func Classify(message string) ErrorClass {
	lower := strings.ToLower(message)
	for _, entry := range classPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.class
			}
		}
	}
	return ClassUnknown
}

// Retryable reports whether an error class warrants another attempt against
// the same family. UNKNOWN is treated as retryable so the fallback chain has
// a chance to route around it.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassRateLimit, ClassTimeout, ClassNetworkError, ClassModelUnavailable,
		ClassReasoningError, ClassOutputError, ClassUnknown:
		return true
	}
	return false
}
