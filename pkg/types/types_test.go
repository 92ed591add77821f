package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStateTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateQueued, false},
		{TaskStateRunning, false},
		{TaskStateApproved, false},
		{TaskStateRejected, false},
		{TaskStateFailed, true},
		{TaskStateComplete, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestPhaseRank(t *testing.T) {
	assert.Equal(t, 0, PhaseRank(PhaseBrainstorm))
	assert.Equal(t, 3, PhaseRank(PhaseExecute))
	assert.Equal(t, 5, PhaseRank(PhaseComplete))
	assert.Equal(t, -1, PhaseRank(PhaseBlocked))
	assert.Equal(t, -1, PhaseRank(PhaseFailed))
	assert.Equal(t, -1, PhaseRank(Phase("NOPE")))
}

func TestNextPhase(t *testing.T) {
	tests := []struct {
		from Phase
		want Phase
	}{
		{PhaseBrainstorm, PhaseDocument},
		{PhaseDocument, PhasePlan},
		{PhasePlan, PhaseExecute},
		{PhaseExecute, PhaseTrack},
		{PhaseTrack, PhaseComplete},
		{PhaseComplete, ""},
		{PhaseBlocked, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, NextPhase(tt.from))
		})
	}
}

func TestValidPhaseTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  Phase
		to    Phase
		valid bool
	}{
		{"single step forward", PhaseBrainstorm, PhaseDocument, true},
		{"skip a phase", PhaseBrainstorm, PhasePlan, false},
		{"backward", PhaseExecute, PhasePlan, false},
		{"same phase", PhasePlan, PhasePlan, false},
		{"to blocked from anywhere", PhaseTrack, PhaseBlocked, true},
		{"to failed from anywhere", PhaseBrainstorm, PhaseFailed, true},
		{"from unknown", Phase("NOPE"), PhaseDocument, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidPhaseTransition(tt.from, tt.to))
		})
	}
}

func TestTaskSubmitter(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want string
	}{
		{
			name: "from metadata submitter",
			task: Task{Metadata: map[string]string{"submitter": "alice"}},
			want: "alice",
		},
		{
			name: "from metadata user_id",
			task: Task{Metadata: map[string]string{"user_id": "bob"}},
			want: "bob",
		},
		{
			name: "submitter wins over user_id",
			task: Task{Metadata: map[string]string{"submitter": "alice", "user_id": "bob"}},
			want: "alice",
		},
		{
			name: "from trace id prefix",
			task: Task{TraceID: "carol-ab12cd34"},
			want: "carol",
		},
		{
			name: "no identity",
			task: Task{},
			want: "unknown",
		},
		{
			name: "empty metadata value falls through",
			task: Task{Metadata: map[string]string{"submitter": ""}, TraceID: "dave-1234"},
			want: "dave",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.Submitter())
		})
	}
}

func TestLastProgress(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	task := Task{
		StartedAt:      base,
		HeartbeatAt:    base.Add(5 * time.Minute),
		LastActivityAt: base.Add(2 * time.Minute),
	}
	assert.Equal(t, base.Add(5*time.Minute), task.LastProgress())

	task.LastActivityAt = base.Add(10 * time.Minute)
	assert.Equal(t, base.Add(10*time.Minute), task.LastProgress())

	onlyStart := Task{StartedAt: base}
	assert.Equal(t, base, onlyStart.LastProgress())
}

func TestWorkerStatusActive(t *testing.T) {
	active := []WorkerStatus{WorkerStarting, WorkerIdle, WorkerBusy}
	inactive := []WorkerStatus{WorkerPaused, WorkerStopping, WorkerDead, WorkerCrashed, WorkerStale}

	for _, s := range active {
		assert.True(t, s.Active(), "%s should be active", s)
	}
	for _, s := range inactive {
		assert.False(t, s.Active(), "%s should not be active", s)
	}
}

func TestHeartbeatTimeoutForTaskType(t *testing.T) {
	tests := []struct {
		taskType string
		want     time.Duration
	}{
		{"LINT", TimeoutQuick},
		{"lint_go", TimeoutQuick},
		{"REVIEW_PR", TimeoutQuick},
		{"FORMAT", TimeoutQuick},
		{"TEST_INTEGRATION", TimeoutLong},
		{"security_scan", TimeoutLong},
		{"RESEARCH", TimeoutLong},
		{"FEATURE", TimeoutDefault},
		{"", TimeoutDefault},
		{"  doc_update ", TimeoutQuick},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			assert.Equal(t, tt.want, HeartbeatTimeoutForTaskType(tt.taskType))
		})
	}
}

func TestNormalizeTaskType(t *testing.T) {
	assert.Equal(t, "FEATURE", NormalizeTaskType(" feature "))
	assert.Equal(t, "BUG_FIX", NormalizeTaskType("bug_fix"))
	assert.Equal(t, "", NormalizeTaskType("   "))
}
