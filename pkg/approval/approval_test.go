package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/gates"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func approvalFixture(t *testing.T) (*Approver, *store.Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.MaxRetries = 2

	a, err := NewApprover(st, cfg, dataDir)
	require.NoError(t, err)
	return a, st, dataDir
}

func runningTask(t *testing.T, st *store.Store, id string) *types.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, &types.Task{
		ID: id, Type: "FEATURE", Shard: "shard-0", Lane: types.LaneImpl, TraceID: "alice-1234",
	}))
	claimed, err := st.ClaimTask(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, claimed)
	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func passingSummary() *gates.Summary {
	return &gates.Summary{
		AllPassed:     true,
		Coverage:      88.5,
		SecurityScore: 100,
		Results: []gates.Result{
			{Gate: gates.GateBuild, Passed: true},
			{Gate: gates.GateTests, Passed: true},
		},
	}
}

func failingSummary() *gates.Summary {
	return &gates.Summary{
		AllPassed:     false,
		Coverage:      55,
		SecurityScore: 100,
		Results: []gates.Result{
			{Gate: gates.GateBuild, Passed: true},
			{Gate: gates.GateCoverage, Passed: false, Reason: "coverage 55.0% below threshold 80%"},
		},
	}
}

func readLedger(t *testing.T, dataDir string) []LedgerEntry {
	t.Helper()
	f, err := os.Open(filepath.Join(dataDir, "ledger.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var entries []LedgerEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LedgerEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestDecideApproved(t *testing.T) {
	a, st, dataDir := approvalFixture(t)
	ctx := context.Background()
	task := runningTask(t, st, "t1")

	decision, err := a.Decide(ctx, task, passingSummary())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateApproved, decision)

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateApproved, stored.State)
	assert.Equal(t, 0, stored.RetryCount)

	// Report and ledger entry written.
	_, statErr := os.Stat(filepath.Join(dataDir, "reports", "t1.json"))
	assert.NoError(t, statErr)

	entries := readLedger(t, dataDir)
	require.Len(t, entries, 1)
	assert.Equal(t, types.TaskStateApproved, entries[0].Decision)
	assert.Equal(t, 88.5, entries[0].Coverage)
}

func TestDecideRejectedWithFeedback(t *testing.T) {
	a, st, dataDir := approvalFixture(t)
	ctx := context.Background()
	task := runningTask(t, st, "t1")

	decision, err := a.Decide(ctx, task, failingSummary())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRejected, decision)

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRejected, stored.State)
	assert.Equal(t, 1, stored.RetryCount)

	// Structured feedback landed in the supervisor inbox.
	data, err := os.ReadFile(filepath.Join(dataDir, "supervisor-inbox", "t1-rejection.json"))
	require.NoError(t, err)
	var fb Feedback
	require.NoError(t, json.Unmarshal(data, &fb))
	assert.Equal(t, "t1", fb.TaskID)
	assert.Equal(t, 1, fb.RetryCount)
	assert.Equal(t, 1, fb.RemainingRetries)
	assert.False(t, fb.Permanent)
	require.Len(t, fb.Gates, 1)
	assert.Equal(t, gates.GateCoverage, fb.Gates[0].Gate)

	entries := readLedger(t, dataDir)
	require.Len(t, entries, 1)
	assert.Equal(t, types.TaskStateRejected, entries[0].Decision)
	assert.Equal(t, []gates.GateName{gates.GateCoverage}, entries[0].FailedGates)
}

func TestDecideFailsAtMaxRetries(t *testing.T) {
	a, st, dataDir := approvalFixture(t)
	ctx := context.Background()
	task := runningTask(t, st, "t1")

	decision, err := a.Decide(ctx, task, failingSummary())
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRejected, decision)

	// Requeue and fail again; retry 2 of 2 turns the rejection permanent.
	require.NoError(t, st.Transition(ctx, "t1", types.TaskStateQueued, "requeue", "test"))
	claimed, err := st.ClaimTask(ctx, "t1", "w1")
	require.NoError(t, err)
	require.True(t, claimed)
	task, err = st.GetTask(ctx, "t1")
	require.NoError(t, err)

	decision, err = a.Decide(ctx, task, failingSummary())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, decision)

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, stored.State)

	data, err := os.ReadFile(filepath.Join(dataDir, "supervisor-inbox", "t1-rejection.json"))
	require.NoError(t, err)
	var fb Feedback
	require.NoError(t, json.Unmarshal(data, &fb))
	assert.True(t, fb.Permanent)
	assert.Equal(t, 0, fb.RemainingRetries)
}

func TestBuildFeedbackAdvice(t *testing.T) {
	task := &types.Task{ID: "t1", TraceID: "alice-1"}
	summary := &gates.Summary{
		Results: []gates.Result{
			{Gate: gates.GateBuild, Passed: true},
			{Gate: gates.GateLint, Passed: false, Reason: "checks reported failures"},
			{Gate: gates.GateSecurity, Passed: false},
		},
	}

	fb := BuildFeedback(task, summary, 1, 3)
	require.Len(t, fb.Gates, 2)

	lint := fb.Gates[0]
	assert.Equal(t, gates.GateLint, lint.Gate)
	assert.Equal(t, "checks reported failures", lint.Issue)
	assert.Equal(t, [2]int{15, 30}, lint.EffortMinutes)
	assert.Equal(t, "golangci-lint run --fix", lint.QuickFix)
	assert.NotEmpty(t, lint.Suggestions)
	assert.NotEmpty(t, lint.CommonCauses)

	sec := fb.Gates[1]
	assert.Equal(t, [2]int{60, 180}, sec.EffortMinutes)
	assert.Contains(t, sec.Issue, "exit code", "empty reason falls back to exit code text")

	assert.Equal(t, "orchestrator task requeue t1", fb.ResubmitCommand)
	assert.Equal(t, 2, fb.RemainingRetries)
}

func TestBuildFeedbackClampsRemaining(t *testing.T) {
	task := &types.Task{ID: "t1"}
	fb := BuildFeedback(task, &gates.Summary{}, 5, 3)
	assert.Equal(t, 0, fb.RemainingRetries)
	assert.True(t, fb.Permanent)
}
