// Package phase drives tasks through the ordered SDLC pipeline. Each
// transition attempt runs the gate validation for the current phase against
// the task workspace; a refused transition surfaces the failing reasons so
// the rejection feedback generator can report them.
package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// Per-phase required artifact files and minimum non-empty line counts.
const (
	requirementsFile = "requirements.md"
	specFile         = "spec.md"
	designFile       = "tech_design.md"
	progressFile     = "progress.json"
	testResultFile   = "test_result.json"

	minRequirementsLines = 3
	minSpecLines         = 5
	minDesignLines       = 10
)

var acceptanceCriteriaRe = regexp.MustCompile(`(?im)^#+\s*.*acceptance criteria`)

var designSections = []string{"approach", "files", "dependencies"}

// TestResult is the recorded outcome the EXECUTE phase requires.
type TestResult struct {
	Passed   bool    `json:"passed"`
	Coverage float64 `json:"coverage"`
	Detail   string  `json:"detail,omitempty"`
}

// Progress is the recorded tracking data the TRACK phase requires.
type Progress struct {
	Percent int                `json:"percent"`
	Metrics map[string]float64 `json:"metrics"`
	Notes   string             `json:"notes,omitempty"`
}

// ValidationError carries the reasons a transition was refused.
type ValidationError struct {
	Phase   types.Phase
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("phase %s validation failed: %s", e.Phase, strings.Join(e.Reasons, "; "))
}

// Engine validates phase gates and advances tasks through the pipeline.
type Engine struct {
	store *store.Store
	cfg   *config.Config
}

// NewEngine creates a phase engine over the shared store.
func NewEngine(st *store.Store, cfg *config.Config) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// RegisterArtifact records a produced file for (taskID, phase): SHA-256
// checksum, size and verification timestamp, upserted on the triple key.
func (e *Engine) RegisterArtifact(ctx context.Context, taskID string, phase types.Phase, path string) (*types.PhaseArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("checksum artifact %s: %w", path, err)
	}

	artifact := &types.PhaseArtifact{
		TaskID:   taskID,
		Phase:    phase,
		Path:     path,
		Type:     classifyArtifact(path),
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Size:     size,
	}
	if err := e.store.UpsertArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Advance validates the current phase's gate and, on success, moves the task
// forward exactly one step. On failure it returns a ValidationError listing
// every failing reason; the task's phase is unchanged.
func (e *Engine) Advance(ctx context.Context, task *types.Task, workspace string) (types.Phase, error) {
	next := types.NextPhase(task.Phase)
	if next == "" {
		return "", fmt.Errorf("task %s: no phase follows %s", task.ID, task.Phase)
	}

	reasons := e.Validate(ctx, task, workspace)
	if len(reasons) > 0 {
		logger := log.WithTaskID(task.ID)
		logger.Warn().
			Str("phase", string(task.Phase)).
			Strs("reasons", reasons).
			Msg("phase gate refused transition")
		return "", &ValidationError{Phase: task.Phase, Reasons: reasons}
	}

	if err := e.store.TransitionPhase(ctx, task.ID, next, "phase-engine"); err != nil {
		return "", err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues(string(next)).Inc()
	task.Phase = next
	return next, nil
}

// Validate runs the gate for the task's current phase and returns the
// failing reasons, empty on pass. Registered artifacts that exist and are
// non-empty get their verification timestamps refreshed.
func (e *Engine) Validate(ctx context.Context, task *types.Task, workspace string) []string {
	var reasons []string
	logger := log.WithTaskID(task.ID)

	artifacts, err := e.store.ArtifactsForPhase(ctx, task.ID, task.Phase)
	if err != nil {
		return []string{fmt.Sprintf("list artifacts: %v", err)}
	}
	for _, a := range artifacts {
		info, err := os.Stat(a.Path)
		switch {
		case err != nil:
			reasons = append(reasons, fmt.Sprintf("artifact %s missing", a.Path))
		case info.Size() == 0:
			reasons = append(reasons, fmt.Sprintf("artifact %s is empty", a.Path))
		default:
			if err := e.store.MarkArtifactVerified(ctx, task.ID, task.Phase, a.Path); err != nil {
				logger.Error().Err(err).Str("path", a.Path).
					Msg("failed to refresh artifact verification")
			}
		}
	}

	reasons = append(reasons, e.contentCheck(task.Phase, workspace)...)
	return reasons
}

// contentCheck applies the phase-specific document requirements.
func (e *Engine) contentCheck(phase types.Phase, workspace string) []string {
	switch phase {
	case types.PhaseBrainstorm:
		return checkDocument(filepath.Join(workspace, requirementsFile), minRequirementsLines, nil, nil)
	case types.PhaseDocument:
		return checkDocument(filepath.Join(workspace, specFile), minSpecLines, acceptanceCriteriaRe, nil)
	case types.PhasePlan:
		return checkDocument(filepath.Join(workspace, designFile), minDesignLines, nil, designSections)
	case types.PhaseExecute:
		return e.checkTestResult(filepath.Join(workspace, testResultFile))
	case types.PhaseTrack:
		return checkProgress(filepath.Join(workspace, progressFile))
	}
	return nil
}

// checkDocument enforces existence, a minimum count of non-empty lines, an
// optional required heading pattern and optional required section names.
func checkDocument(path string, minLines int, heading *regexp.Regexp, sections []string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{fmt.Sprintf("required document %s missing", filepath.Base(path))}
	}

	var reasons []string
	nonEmpty := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			nonEmpty++
		}
	}
	if nonEmpty < minLines {
		reasons = append(reasons, fmt.Sprintf("%s has %d non-empty lines, need %d",
			filepath.Base(path), nonEmpty, minLines))
	}
	if heading != nil && !heading.Match(data) {
		reasons = append(reasons, fmt.Sprintf("%s lacks an acceptance-criteria section",
			filepath.Base(path)))
	}
	lower := strings.ToLower(string(data))
	for _, section := range sections {
		if !strings.Contains(lower, section) {
			reasons = append(reasons, fmt.Sprintf("%s lacks a %s section",
				filepath.Base(path), section))
		}
	}
	return reasons
}

// checkTestResult requires a recorded passing test run with coverage at or
// above the configured threshold.
func (e *Engine) checkTestResult(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{"no recorded test result"}
	}
	var result TestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return []string{fmt.Sprintf("unparseable test result: %v", err)}
	}

	var reasons []string
	if !result.Passed {
		reasons = append(reasons, "recorded test run did not pass")
	}
	if result.Coverage < float64(e.cfg.CoverageThreshold) {
		reasons = append(reasons, fmt.Sprintf("coverage %.1f%% below threshold %d%%",
			result.Coverage, e.cfg.CoverageThreshold))
	}
	return reasons
}

// checkProgress requires recorded progress with at least one metric.
func checkProgress(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{"no recorded progress"}
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return []string{fmt.Sprintf("unparseable progress record: %v", err)}
	}
	if len(p.Metrics) == 0 {
		return []string{"progress record has no metrics"}
	}
	return nil
}

// classifyArtifact buckets a file by extension and naming convention.
func classifyArtifact(path string) types.ArtifactType {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(base, "_test.") || strings.HasSuffix(base, ".test"):
		return types.ArtifactTest
	}
	switch filepath.Ext(base) {
	case ".md", ".txt", ".rst":
		return types.ArtifactDocument
	case ".go", ".py", ".js", ".ts", ".rs", ".sh":
		return types.ArtifactCode
	case ".yaml", ".yml", ".json", ".toml", ".ini":
		return types.ArtifactConfig
	}
	return types.ArtifactOther
}
