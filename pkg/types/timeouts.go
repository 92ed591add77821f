package types

import (
	"strings"
	"time"
)

// Task-type timeout classes. A worker reports the expected timeout with each
// heartbeat; the recovery daemon derives the same value when the heartbeat
// record is missing.
const (
	TimeoutQuick   = 300 * time.Second
	TimeoutDefault = 900 * time.Second
	TimeoutLong    = 1800 * time.Second
)

var quickPrefixes = []string{"LINT", "FORMAT", "REVIEW", "DOC", "QUICK"}

var longPrefixes = []string{
	"TEST", "COVERAGE", "FULL_BUILD", "SECURITY", "AUDIT", "RESEARCH", "ANALYSIS",
}

// HeartbeatTimeoutForTaskType maps a task type to its expected duration.
// Matching is by case-insensitive prefix; unknown types get the default.
func HeartbeatTimeoutForTaskType(taskType string) time.Duration {
	upper := strings.ToUpper(strings.TrimSpace(taskType))
	for _, p := range quickPrefixes {
		if strings.HasPrefix(upper, p) {
			return TimeoutQuick
		}
	}
	for _, p := range longPrefixes {
		if strings.HasPrefix(upper, p) {
			return TimeoutLong
		}
	}
	return TimeoutDefault
}

// NormalizeTaskType upper-cases and trims a free-form task type tag.
func NormalizeTaskType(taskType string) string {
	return strings.ToUpper(strings.TrimSpace(taskType))
}
