package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
)

func TestValidateCoverage(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{"85.5", 85.5, false},
		{"0", 0, false},
		{"100", 100, false},
		{"100.1", 0, true},
		{"-5", 0, true},
		{"85%", 0, true},
		{"85.5; rm -rf /", 0, true},
		{"", 0, true},
		{"1e2", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := validateCoverage(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestApplyCoverageLowestPackageWins(t *testing.T) {
	r := &Runner{cfg: config.Default()} // threshold 80

	result := Result{Gate: GateCoverage, Passed: true, Output: `
ok  	pkg/a	0.01s	coverage: 91.2% of statements
ok  	pkg/b	0.02s	coverage: 85.0% of statements
`}
	var summary Summary
	r.applyCoverage(&result, &summary)
	assert.True(t, result.Passed)
	assert.Equal(t, 85.0, summary.Coverage)

	result = Result{Gate: GateCoverage, Passed: true, Output: `
ok  	pkg/a	0.01s	coverage: 91.2% of statements
ok  	pkg/b	0.02s	coverage: 42.0% of statements
`}
	summary = Summary{}
	r.applyCoverage(&result, &summary)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "42.0%")
}

func TestApplyCoverageNoFigure(t *testing.T) {
	r := &Runner{cfg: config.Default()}

	result := Result{Gate: GateCoverage, Passed: true, Output: "ok pkg/a 0.01s"}
	var summary Summary
	r.applyCoverage(&result, &summary)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "no coverage figure")
}

func TestApplyCoverageSkipsFailedGate(t *testing.T) {
	r := &Runner{cfg: config.Default()}

	result := Result{Gate: GateCoverage, Passed: false, Output: "FAIL"}
	var summary Summary
	r.applyCoverage(&result, &summary)
	assert.False(t, result.Passed)
	assert.Zero(t, summary.Coverage)
}

func TestApplySecurityScore(t *testing.T) {
	cfg := config.Default() // min score 60, max critical 0
	r := &Runner{cfg: cfg}

	// Clean run keeps the gate passing with a perfect score.
	result := Result{Gate: GateSecurity, Passed: true, Output: "Issues: 0"}
	var summary Summary
	r.applySecurity(&result, &summary)
	assert.True(t, result.Passed)
	assert.Equal(t, 100, summary.SecurityScore)

	// Issues lower the score 10 apiece.
	result = Result{Gate: GateSecurity, Passed: true, Output: "Issues: 3"}
	summary = Summary{}
	r.applySecurity(&result, &summary)
	assert.True(t, result.Passed)
	assert.Equal(t, 70, summary.SecurityScore)

	// Below the minimum score fails the gate.
	result = Result{Gate: GateSecurity, Passed: true, Output: "Issues: 5"}
	summary = Summary{}
	r.applySecurity(&result, &summary)
	assert.False(t, result.Passed)
	assert.Equal(t, 50, summary.SecurityScore)
}

func TestApplySecurityCriticalFindings(t *testing.T) {
	r := &Runner{cfg: config.Default()}

	result := Result{Gate: GateSecurity, Passed: true, Output: `
[G101] Severity: HIGH Confidence: HIGH
Issues: 1
`}
	var summary Summary
	r.applySecurity(&result, &summary)
	assert.False(t, result.Passed)
	assert.Equal(t, 1, summary.CriticalVulns)
	assert.Contains(t, result.Reason, "critical findings")
}

func TestSummaryFailedGates(t *testing.T) {
	s := Summary{Results: []Result{
		{Gate: GateBuild, Passed: true},
		{Gate: GateTests, Passed: false},
		{Gate: GateLint, Passed: false},
	}}
	assert.Equal(t, []GateName{GateTests, GateLint}, s.FailedGates())

	empty := Summary{Results: []Result{{Gate: GateBuild, Passed: true}}}
	assert.Empty(t, empty.FailedGates())
}

func TestReasonForExit(t *testing.T) {
	assert.Contains(t, reasonForExit(exitFail, "go"), "failures")
	assert.Contains(t, reasonForExit(exitUsageError, "go"), "go")
	assert.Contains(t, reasonForExit(exitTimeout, "go"), "timed out")
	assert.Contains(t, reasonForExit(exitNotFound, "gosec"), "not found")
	assert.Contains(t, reasonForExit(42, "go"), "42")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
