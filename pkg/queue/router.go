// Package queue implements shard routing for new tasks and the sharded,
// fair, atomic claim protocol workers use to pull work.
package queue

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// ShardHashVersion tags rows with the hash used for shard assignment.
// Changing the hash function silently reshards queued work, so any future
// change must bump this and only apply to new tasks.
const ShardHashVersion = 1

// Route is one entry of the task-type routing table
type Route struct {
	Prefixes []string
	Lane     types.Lane
	Model    string
}

// Router assigns shard, lane and model to incoming tasks
type Router struct {
	shardCount int
	routes     []Route
	defaultTo  Route
}

// DefaultRoutes returns the closed routing table: review-class types to the
// review family, analysis-class types to the analysis family, everything
// else to implementation.
func DefaultRoutes() []Route {
	return []Route{
		{
			Prefixes: []string{"REVIEW", "AUDIT", "SECURITY", "GATE", "QUALITY"},
			Lane:     types.LaneReview,
			Model:    "claude",
		},
		{
			Prefixes: []string{"ANALYSIS", "RESEARCH", "ARCH", "DESIGN"},
			Lane:     types.LaneAnalysis,
			Model:    "gemini",
		},
	}
}

// NewRouter creates a router over shardCount shards. A nil routes slice
// selects the default table.
func NewRouter(shardCount int, routes []Route) *Router {
	if routes == nil {
		routes = DefaultRoutes()
	}
	return &Router{
		shardCount: shardCount,
		routes:     routes,
		defaultTo:  Route{Lane: types.LaneImpl, Model: "codex"},
	}
}

// ShardName formats the canonical shard component name.
func ShardName(i int) string {
	return fmt.Sprintf("shard-%d", i)
}

// AssignShard deterministically places a task ID on a shard:
// crc32(task_id) mod shard_count.
func (r *Router) AssignShard(taskID string) string {
	sum := crc32.ChecksumIEEE([]byte(taskID))
	return ShardName(int(sum % uint32(r.shardCount)))
}

// RouteTask resolves lane and model for a task type by prefix matching.
func (r *Router) RouteTask(taskType string) (types.Lane, string) {
	upper := types.NormalizeTaskType(taskType)
	for _, route := range r.routes {
		for _, prefix := range route.Prefixes {
			if strings.HasPrefix(upper, prefix) {
				return route.Lane, route.Model
			}
		}
	}
	return r.defaultTo.Lane, r.defaultTo.Model
}

// Assign stamps shard, lane and model onto a new task in place.
func (r *Router) Assign(t *types.Task) {
	t.Shard = r.AssignShard(t.ID)
	t.Lane, t.AssignedModel = r.RouteTask(t.Type)
}

// Shards lists every shard name for the configured count.
func (r *Router) Shards() []string {
	names := make([]string, r.shardCount)
	for i := range names {
		names[i] = ShardName(i)
	}
	return names
}
