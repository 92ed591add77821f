package types

import (
	"strings"
	"time"
)

// TaskPriority orders tasks within a shard. Lower values are claimed first.
type TaskPriority int

const (
	PriorityCritical TaskPriority = 0
	PriorityHigh     TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityLow      TaskPriority = 3
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateQueued   TaskState = "QUEUED"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateApproved TaskState = "APPROVED"
	TaskStateRejected TaskState = "REJECTED"
	TaskStateFailed   TaskState = "FAILED"
	TaskStateComplete TaskState = "COMPLETE"
)

// Terminal reports whether a task state accepts no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskStateFailed || s == TaskStateComplete
}

// Phase represents one step of the SDLC pipeline
type Phase string

const (
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseDocument   Phase = "DOCUMENT"
	PhasePlan       Phase = "PLAN"
	PhaseExecute    Phase = "EXECUTE"
	PhaseTrack      Phase = "TRACK"
	PhaseComplete   Phase = "COMPLETE"

	// Terminal failure phases, reachable from any rank
	PhaseBlocked Phase = "BLOCKED"
	PhaseFailed  Phase = "FAILED"
)

// phaseOrder is the forward progression of the pipeline.
var phaseOrder = []Phase{
	PhaseBrainstorm,
	PhaseDocument,
	PhasePlan,
	PhaseExecute,
	PhaseTrack,
	PhaseComplete,
}

// PhaseRank returns the position of p in the ordered pipeline, or -1 for
// terminal failure phases and unknown values.
func PhaseRank(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase that follows p, or empty if p is last or terminal.
func NextPhase(p Phase) Phase {
	rank := PhaseRank(p)
	if rank < 0 || rank >= len(phaseOrder)-1 {
		return ""
	}
	return phaseOrder[rank+1]
}

// ValidPhaseTransition reports whether p1 -> p2 advances by exactly one step
// or moves to a terminal failure phase.
func ValidPhaseTransition(p1, p2 Phase) bool {
	if p2 == PhaseBlocked || p2 == PhaseFailed {
		return true
	}
	r1, r2 := PhaseRank(p1), PhaseRank(p2)
	return r1 >= 0 && r2 == r1+1
}

// Lane is the worker specialization dimension
type Lane string

const (
	LaneImpl     Lane = "impl"
	LaneReview   Lane = "review"
	LaneAnalysis Lane = "analysis"
)

// Task represents a unit of work flowing through the SDLC pipeline
type Task struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Priority       TaskPriority      `json:"priority"`
	State          TaskState         `json:"state"`
	Phase          Phase             `json:"phase"`
	AssignedModel  string            `json:"assigned_model"`
	Lane           Lane              `json:"lane"`
	Shard          string            `json:"shard"`
	WorkerID       string            `json:"worker_id,omitempty"`
	RetryCount     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      time.Time         `json:"started_at,omitempty"`
	HeartbeatAt    time.Time         `json:"heartbeat_at,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TraceID        string            `json:"trace_id,omitempty"`
}

// Submitter resolves the submitting user from task metadata. Falls back to
// the trace-ID prefix when metadata carries no identity, and "unknown" when
// neither is present. Per-user fairness always ignores "unknown".
func (t *Task) Submitter() string {
	if t.Metadata != nil {
		if s, ok := t.Metadata["submitter"]; ok && s != "" {
			return s
		}
		if s, ok := t.Metadata["user_id"]; ok && s != "" {
			return s
		}
	}
	if t.TraceID != "" {
		if i := strings.IndexByte(t.TraceID, '-'); i > 0 {
			return t.TraceID[:i]
		}
	}
	return "unknown"
}

// LastProgress returns the most recent evidence that the task was alive:
// the max of last_activity_at, heartbeat_at and started_at. Every stale-task
// computation goes through this helper so call sites cannot diverge.
func (t *Task) LastProgress() time.Time {
	ts := t.StartedAt
	if t.HeartbeatAt.After(ts) {
		ts = t.HeartbeatAt
	}
	if t.LastActivityAt.After(ts) {
		ts = t.LastActivityAt
	}
	return ts
}

// WorkerStatus represents the lifecycle state of a worker process
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerPaused   WorkerStatus = "paused"
	WorkerStopping WorkerStatus = "stopping"
	WorkerDead     WorkerStatus = "dead"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerStale    WorkerStatus = "stale"
)

// Active reports whether the worker counts toward shard liveness.
func (s WorkerStatus) Active() bool {
	return s == WorkerStarting || s == WorkerIdle || s == WorkerBusy
}

// Worker represents a registered worker process
type Worker struct {
	ID             string       `json:"id"`
	PID            int          `json:"pid,omitempty"`
	Status         WorkerStatus `json:"status"`
	Specialization Lane         `json:"specialization"`
	Shard          string       `json:"shard"`
	Model          string       `json:"model"`
	StartedAt      time.Time    `json:"started_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
}

// Heartbeat is the per-worker liveness record, upserted on every tick.
// LastActivityAt is touched separately on activity ticks, which is what
// distinguishes "connection alive" from "work progressing".
type Heartbeat struct {
	WorkerID        string       `json:"worker_id"`
	Timestamp       time.Time    `json:"timestamp"`
	Status          WorkerStatus `json:"status"`
	TaskID          string       `json:"task_id,omitempty"`
	TaskType        string       `json:"task_type,omitempty"`
	ProgressPercent int          `json:"progress_percent"`
	ExpectedTimeout int          `json:"expected_timeout_seconds"`
	LastActivityAt  time.Time    `json:"last_activity_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// EventType tags entries in the append-only event log
type EventType string

const (
	EventTaskSubmitted       EventType = "TASK_SUBMITTED"
	EventTaskClaimed         EventType = "TASK_CLAIMED"
	EventTaskRecovered       EventType = "TASK_RECOVERED"
	EventTaskApproved        EventType = "TASK_APPROVED"
	EventTaskRejected        EventType = "TASK_REJECTED"
	EventTaskFailed          EventType = "TASK_FAILED"
	EventZombieRecovery      EventType = "ZOMBIE_RECOVERY"
	EventWorkerCrashDetected EventType = "WORKER_CRASH_DETECTED"
	EventWorkerSpawned       EventType = "WORKER_SPAWNED"
	EventShardRedistribution EventType = "SHARD_REDISTRIBUTION"
	EventPhaseTransition     EventType = "PHASE_TRANSITION"
	EventBreakerTripped      EventType = "BREAKER_TRIPPED"
	EventPendingSyncApplied  EventType = "PENDING_SYNC_APPLIED"
)

// Event is one line of the append-only log
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// BreakerStatus is the circuit-breaker state for one backend family
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// BreakerState is the persisted breaker record for one backend family
type BreakerState struct {
	Family        string        `json:"family"`
	Status        BreakerStatus `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailure   time.Time     `json:"last_failure,omitempty"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	HalfOpenCalls int           `json:"half_open_calls"`
	HalfOpenAt    time.Time     `json:"half_open_at,omitempty"`
}

// ArtifactType classifies registered phase artifacts
type ArtifactType string

const (
	ArtifactDocument ArtifactType = "document"
	ArtifactCode     ArtifactType = "code"
	ArtifactTest     ArtifactType = "test"
	ArtifactConfig   ArtifactType = "config"
	ArtifactOther    ArtifactType = "other"
)

// PhaseArtifact is a file produced and registered for a specific phase of a
// specific task. Unique on (task_id, phase, path).
type PhaseArtifact struct {
	TaskID     string       `json:"task_id"`
	Phase      Phase        `json:"phase"`
	Path       string       `json:"path"`
	Type       ArtifactType `json:"type"`
	Checksum   string       `json:"checksum"`
	Size       int64        `json:"size"`
	VerifiedAt time.Time    `json:"verified_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// HealthState buckets shard health by heartbeat age
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ShardHealth is the per-shard health record maintained by the supervisor
type ShardHealth struct {
	Component string      `json:"component"`
	Status    HealthState `json:"status"`
	Details   string      `json:"details,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PendingSync records a state transition that succeeded at the filesystem
// layer but failed to apply to the database. The recovery reconciler retries
// these until they clear.
type PendingSync struct {
	TaskID      string    `json:"task_id"`
	TargetState TaskState `json:"target_state"`
	Reason      string    `json:"reason"`
	TraceID     string    `json:"trace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
