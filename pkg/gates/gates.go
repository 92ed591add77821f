// Package gates runs the six quality gates over a task workspace: Tests,
// Coverage, Lint, Types, Security, Build. Tools execute with a sanitized
// PATH and pre-resolved absolute paths; results are written as JSON and fed
// to the approval decision.
package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
)

// GateName identifies one quality gate
type GateName string

const (
	GateTests    GateName = "tests"
	GateCoverage GateName = "coverage"
	GateLint     GateName = "lint"
	GateTypes    GateName = "types"
	GateSecurity GateName = "security"
	GateBuild    GateName = "build"
)

// Conventional exit codes surfaced in gate results.
const (
	exitPass          = 0
	exitFail          = 1
	exitUsageError    = 2
	exitTimeout       = 124
	exitNotExecutable = 126
	exitNotFound      = 127
)

// ToolSpec describes the tool one gate runs
type ToolSpec struct {
	Tool    string
	Args    []string
	Timeout time.Duration
}

// DefaultTools returns the standard Go-workspace tool table.
func DefaultTools() map[GateName]ToolSpec {
	return map[GateName]ToolSpec{
		GateTests:    {Tool: "go", Args: []string{"test", "./..."}, Timeout: 30 * time.Minute},
		GateCoverage: {Tool: "go", Args: []string{"test", "-cover", "./..."}, Timeout: 30 * time.Minute},
		GateLint:     {Tool: "golangci-lint", Args: []string{"run"}, Timeout: 5 * time.Minute},
		GateTypes:    {Tool: "go", Args: []string{"vet", "./..."}, Timeout: 5 * time.Minute},
		GateSecurity: {Tool: "gosec", Args: []string{"./..."}, Timeout: 30 * time.Minute},
		GateBuild:    {Tool: "go", Args: []string{"build", "./..."}, Timeout: 5 * time.Minute},
	}
}

// Result is the recorded outcome of one gate
type Result struct {
	Gate     GateName      `json:"gate"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	RanAt    time.Time     `json:"ran_at"`
}

// Summary aggregates one full gate run
type Summary struct {
	Results       []Result  `json:"results"`
	AllPassed     bool      `json:"all_passed"`
	Coverage      float64   `json:"coverage"`
	SecurityScore int       `json:"security_score"`
	CriticalVulns int       `json:"critical_vulns"`
	RanAt         time.Time `json:"ran_at"`
}

// FailedGates lists the names of gates that did not pass.
func (s *Summary) FailedGates() []GateName {
	var failed []GateName
	for _, r := range s.Results {
		if !r.Passed {
			failed = append(failed, r.Gate)
		}
	}
	return failed
}

// Runner executes the gate table against workspaces. Tool paths are
// resolved once at construction and cached.
type Runner struct {
	cfg      *config.Config
	tools    map[GateName]ToolSpec
	resolved map[GateName]string
	pathDirs []string
	pathEnv  string
}

// gateOrder is the execution order; build problems surface before the
// slower gates run.
var gateOrder = []GateName{GateBuild, GateTypes, GateLint, GateTests, GateCoverage, GateSecurity}

// NewRunner sanitizes PATH, resolves every gate tool to an absolute path
// and returns a ready runner. In strict mode an unresolvable tool is a
// construction error; otherwise the gate records the miss at run time.
func NewRunner(cfg *config.Config, tools map[GateName]ToolSpec) (*Runner, error) {
	if tools == nil {
		tools = DefaultTools()
	}
	dirs, err := sanitizePath()
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("gates")
	resolved := make(map[GateName]string, len(tools))
	for gate, spec := range tools {
		path, err := resolveTool(spec.Tool, dirs)
		if err != nil {
			if cfg.StrictMode {
				return nil, fmt.Errorf("gate %s: %w", gate, err)
			}
			logger.Warn().
				Str("gate", string(gate)).
				Str("tool", spec.Tool).
				Msg("tool unavailable, gate will fail at run time")
			continue
		}
		resolved[gate] = path
	}

	return &Runner{
		cfg:      cfg,
		tools:    tools,
		resolved: resolved,
		pathDirs: dirs,
		pathEnv:  "PATH=" + strings.Join(dirs, string(os.PathListSeparator)),
	}, nil
}

// Run executes every gate in order against the workspace, enforces the
// coverage and security thresholds, and writes the summary JSON under
// workspace/reports.
func (r *Runner) Run(ctx context.Context, workspace string) (*Summary, error) {
	summary := &Summary{RanAt: time.Now().UTC(), AllPassed: true}

	for _, gate := range gateOrder {
		spec, ok := r.tools[gate]
		if !ok {
			continue
		}
		result := r.runGate(ctx, gate, spec, workspace)

		switch gate {
		case GateCoverage:
			r.applyCoverage(&result, summary)
		case GateSecurity:
			r.applySecurity(&result, summary)
		}

		outcome := "pass"
		if !result.Passed {
			outcome = "fail"
		}
		metrics.GateRunsTotal.WithLabelValues(string(gate), outcome).Inc()

		summary.Results = append(summary.Results, result)
		if !result.Passed {
			summary.AllPassed = false
		}
	}

	if err := r.writeSummary(workspace, summary); err != nil {
		logger := log.WithComponent("gates")
		logger.Error().Err(err).Msg("failed to write gate summary")
	}
	return summary, nil
}

// runGate executes one tool and maps its outcome onto a Result.
func (r *Runner) runGate(ctx context.Context, gate GateName, spec ToolSpec, workspace string) Result {
	result := Result{Gate: gate, RanAt: time.Now().UTC()}
	start := time.Now()

	tool, ok := r.resolved[gate]
	if !ok {
		result.ExitCode = exitNotFound
		result.Reason = fmt.Sprintf("tool %s not available", spec.Tool)
		result.Duration = time.Since(start)
		return result
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, tool, spec.Args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), r.pathEnv)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Output = truncate(stdout.String()+stderr.String(), 8192)

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = exitTimeout
		result.Reason = fmt.Sprintf("timed out after %s", timeout)
	case err == nil:
		result.ExitCode = exitPass
		result.Passed = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if os.IsPermission(err) {
			result.ExitCode = exitNotExecutable
		} else {
			result.ExitCode = exitFail
		}
		result.Reason = reasonForExit(result.ExitCode, spec.Tool)
	}
	return result
}

func reasonForExit(code int, tool string) string {
	switch code {
	case exitFail:
		return "checks reported failures"
	case exitUsageError:
		return fmt.Sprintf("%s rejected its arguments or configuration", tool)
	case exitTimeout:
		return "timed out"
	case exitNotExecutable:
		return fmt.Sprintf("%s is not executable", tool)
	case exitNotFound:
		return fmt.Sprintf("%s not found", tool)
	}
	return fmt.Sprintf("exit code %d", code)
}

var coverageRe = regexp.MustCompile(`coverage:\s*([0-9.]+)%`)

// applyCoverage extracts and validates the coverage figure, then enforces
// the configured threshold. Values that fail validation fail the gate.
func (r *Runner) applyCoverage(result *Result, summary *Summary) {
	if !result.Passed {
		return
	}
	matches := coverageRe.FindAllStringSubmatch(result.Output, -1)
	if len(matches) == 0 {
		result.Passed = false
		result.Reason = "no coverage figure in tool output"
		return
	}

	// Lowest package coverage is the figure that must clear the bar.
	lowest := 101.0
	for _, m := range matches {
		v, err := validateCoverage(m[1])
		if err != nil {
			result.Passed = false
			result.Reason = err.Error()
			return
		}
		if v < lowest {
			lowest = v
		}
	}
	summary.Coverage = lowest
	if lowest < float64(r.cfg.CoverageThreshold) {
		result.Passed = false
		result.Reason = fmt.Sprintf("coverage %.1f%% below threshold %d%%",
			lowest, r.cfg.CoverageThreshold)
	}
}

var coverageValueRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// validateCoverage accepts only a plain numeric percentage in [0, 100].
func validateCoverage(raw string) (float64, error) {
	if !coverageValueRe.MatchString(raw) {
		return 0, fmt.Errorf("coverage value %q is not a plain number", raw)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 100 {
		return 0, fmt.Errorf("coverage value %q outside [0, 100]", raw)
	}
	return v, nil
}

var (
	securityIssuesRe   = regexp.MustCompile(`Issues:\s*([0-9]+)`)
	securityCriticalRe = regexp.MustCompile(`Severity:\s*(HIGH|CRITICAL)`)
)

// applySecurity derives a score from the scanner output and enforces the
// score and critical-vuln thresholds.
func (r *Runner) applySecurity(result *Result, summary *Summary) {
	issues := 0
	if m := securityIssuesRe.FindStringSubmatch(result.Output); m != nil {
		issues, _ = strconv.Atoi(m[1])
	}
	critical := len(securityCriticalRe.FindAllString(result.Output, -1))

	score := 100 - issues*10
	if score < 0 {
		score = 0
	}
	summary.SecurityScore = score
	summary.CriticalVulns = critical

	if critical > r.cfg.MaxCriticalVulns {
		result.Passed = false
		result.Reason = fmt.Sprintf("%d critical findings, max %d", critical, r.cfg.MaxCriticalVulns)
		return
	}
	if score < r.cfg.MinSecurityScore {
		result.Passed = false
		result.Reason = fmt.Sprintf("security score %d below minimum %d", score, r.cfg.MinSecurityScore)
	}
}

// writeSummary persists the gate summary under workspace/reports.
func (r *Runner) writeSummary(workspace string, summary *Summary) error {
	dir := filepath.Join(workspace, "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(dir, "gate_results.json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
