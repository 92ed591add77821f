package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func TestAssignShardDeterministic(t *testing.T) {
	r := NewRouter(3, nil)

	first := r.AssignShard("task-abc")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.AssignShard("task-abc"))
	}
}

func TestAssignShardDistribution(t *testing.T) {
	r := NewRouter(3, nil)

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		counts[r.AssignShard(fmt.Sprintf("task-%d", i))]++
	}

	assert.Len(t, counts, 3)
	for shard, n := range counts {
		assert.Greater(t, n, 50, "shard %s starved with %d tasks", shard, n)
	}
}

func TestShardName(t *testing.T) {
	assert.Equal(t, "shard-0", ShardName(0))
	assert.Equal(t, "shard-2", ShardName(2))
}

func TestRouteTask(t *testing.T) {
	r := NewRouter(3, nil)

	tests := []struct {
		taskType string
		lane     types.Lane
		model    string
	}{
		{"REVIEW_PR", types.LaneReview, "claude"},
		{"audit_deps", types.LaneReview, "claude"},
		{"SECURITY_SCAN", types.LaneReview, "claude"},
		{"ANALYSIS", types.LaneAnalysis, "gemini"},
		{"research_spike", types.LaneAnalysis, "gemini"},
		{"ARCH_REVIEW", types.LaneAnalysis, "gemini"},
		{"FEATURE", types.LaneImpl, "codex"},
		{"BUG_FIX", types.LaneImpl, "codex"},
		{"", types.LaneImpl, "codex"},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			lane, model := r.RouteTask(tt.taskType)
			assert.Equal(t, tt.lane, lane)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestAssignStampsTask(t *testing.T) {
	r := NewRouter(3, nil)
	task := &types.Task{ID: "task-1", Type: "REVIEW_PR"}

	r.Assign(task)

	assert.NotEmpty(t, task.Shard)
	assert.Equal(t, types.LaneReview, task.Lane)
	assert.Equal(t, "claude", task.AssignedModel)
}

func TestCustomRoutes(t *testing.T) {
	r := NewRouter(2, []Route{
		{Prefixes: []string{"SPECIAL"}, Lane: types.LaneAnalysis, Model: "gemini"},
	})

	lane, model := r.RouteTask("SPECIAL_JOB")
	assert.Equal(t, types.LaneAnalysis, lane)
	assert.Equal(t, "gemini", model)

	lane, model = r.RouteTask("REVIEW")
	assert.Equal(t, types.LaneImpl, lane)
	assert.Equal(t, "codex", model)
}

func TestShards(t *testing.T) {
	r := NewRouter(3, nil)
	assert.Equal(t, []string{"shard-0", "shard-1", "shard-2"}, r.Shards())
}
