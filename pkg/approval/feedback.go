package approval

import (
	"fmt"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/gates"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// GateFeedback is the structured block generated for one failed gate.
type GateFeedback struct {
	Gate          gates.GateName `json:"gate"`
	Issue         string         `json:"issue"`
	Suggestions   []string       `json:"suggestions"`
	CommonCauses  []string       `json:"common_causes"`
	EffortMinutes [2]int         `json:"effort_minutes"`
	QuickFix      string         `json:"quick_fix"`
}

// Feedback is the full rejection record delivered to the supervisor inbox.
type Feedback struct {
	TaskID           string         `json:"task_id"`
	TraceID          string         `json:"trace_id,omitempty"`
	RetryCount       int            `json:"retry_count"`
	RemainingRetries int            `json:"remaining_retries"`
	Permanent        bool           `json:"permanent"`
	Gates            []GateFeedback `json:"gates"`
	ResubmitCommand  string         `json:"resubmit_command"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// gateAdvice is the static per-gate knowledge the feedback generator draws
// from. Effort ranges are minutes, bounded 15 to 180.
var gateAdvice = map[gates.GateName]struct {
	suggestions []string
	causes      []string
	effort      [2]int
	quickFix    string
}{
	gates.GateLint: {
		suggestions: []string{
			"run the linter locally and apply auto-fixes",
			"address remaining findings file by file",
		},
		causes:   []string{"unchecked errors", "unused variables or imports", "shadowed identifiers"},
		effort:   [2]int{15, 30},
		quickFix: "golangci-lint run --fix",
	},
	gates.GateTypes: {
		suggestions: []string{
			"run go vet and fix each report",
			"check printf-style format strings against their arguments",
		},
		causes:   []string{"format string mismatches", "copied locks", "unreachable code"},
		effort:   [2]int{15, 45},
		quickFix: "go vet ./...",
	},
	gates.GateBuild: {
		suggestions: []string{
			"compile locally and fix the first error before rerunning",
			"verify module requirements are tidy",
		},
		causes:   []string{"missing imports", "type mismatches after refactor", "stale generated code"},
		effort:   [2]int{30, 60},
		quickFix: "go build ./...",
	},
	gates.GateTests: {
		suggestions: []string{
			"rerun the failing tests in isolation with -run",
			"check for order dependence or shared fixtures",
		},
		causes:   []string{"behavior change without test update", "flaky time-dependent assertions"},
		effort:   [2]int{30, 120},
		quickFix: "go test ./... -count=1",
	},
	gates.GateCoverage: {
		suggestions: []string{
			"add tests for the least-covered packages first",
			"cover error branches, not just happy paths",
		},
		causes:   []string{"new code without tests", "dead code inflating the denominator"},
		effort:   [2]int{45, 120},
		quickFix: "go test -coverprofile=cover.out ./... && go tool cover -func=cover.out",
	},
	gates.GateSecurity: {
		suggestions: []string{
			"fix critical findings first, then work down by severity",
			"replace string-built commands and queries with parameterized forms",
		},
		causes:   []string{"unsanitized input reaching exec or SQL", "weak crypto primitives", "hardcoded credentials"},
		effort:   [2]int{60, 180},
		quickFix: "gosec ./...",
	},
}

// BuildFeedback generates the structured rejection record for a failed gate
// run.
func BuildFeedback(task *types.Task, summary *gates.Summary, retryCount, maxRetries int) *Feedback {
	fb := &Feedback{
		TaskID:           task.ID,
		TraceID:          task.TraceID,
		RetryCount:       retryCount,
		RemainingRetries: maxRetries - retryCount,
		Permanent:        retryCount >= maxRetries,
		ResubmitCommand:  fmt.Sprintf("orchestrator task requeue %s", task.ID),
		GeneratedAt:      time.Now().UTC(),
	}
	if fb.RemainingRetries < 0 {
		fb.RemainingRetries = 0
	}

	for _, result := range summary.Results {
		if result.Passed {
			continue
		}
		advice := gateAdvice[result.Gate]
		issue := result.Reason
		if issue == "" {
			issue = fmt.Sprintf("%s gate failed with exit code %d", result.Gate, result.ExitCode)
		}
		fb.Gates = append(fb.Gates, GateFeedback{
			Gate:          result.Gate,
			Issue:         issue,
			Suggestions:   advice.suggestions,
			CommonCauses:  advice.causes,
			EffortMinutes: advice.effort,
			QuickFix:      advice.quickFix,
		})
	}
	return fb
}
