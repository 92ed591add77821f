package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a state or phase change would break
// a task invariant.
var ErrInvalidTransition = errors.New("invalid transition")

const taskColumns = `id, type, priority, state, phase, assigned_model, lane, shard,
	worker_id, submitter, retry_count, created_at, started_at, heartbeat_at,
	last_activity_at, updated_at, metadata, trace_id`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var workerID sql.NullString
	var priority int
	var created, started, heartbeat, activity, updated int64
	var metadata string

	err := row.Scan(&t.ID, &t.Type, &priority, &t.State, &t.Phase, &t.AssignedModel,
		&t.Lane, &t.Shard, &workerID, new(string), &t.RetryCount, &created, &started,
		&heartbeat, &activity, &updated, &metadata, &t.TraceID)
	if err != nil {
		return nil, err
	}
	t.Priority = types.TaskPriority(priority)
	if workerID.Valid {
		t.WorkerID = workerID.String
	}
	t.CreatedAt = fromNS(created)
	t.StartedAt = fromNS(started)
	t.HeartbeatAt = fromNS(heartbeat)
	t.LastActivityAt = fromNS(activity)
	t.UpdatedAt = fromNS(updated)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			// Metadata is advisory; a corrupt blob must not hide the task.
			t.Metadata = nil
		}
	}
	return &t, nil
}

// CreateTask inserts a new QUEUED task.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	if t.State == "" {
		t.State = types.TaskStateQueued
	}
	if t.Phase == "" {
		t.Phase = types.PhaseBrainstorm
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	metadata := "{}"
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal task metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, priority, state, phase, assigned_model, lane,
			shard, worker_id, submitter, retry_count, created_at, started_at,
			heartbeat_at, last_activity_at, updated_at, metadata, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?, 0, 0, 0, ?, ?, ?)`,
		t.ID, types.NormalizeTaskType(t.Type), int(t.Priority), t.State, t.Phase,
		t.AssignedModel, t.Lane, t.Shard, t.Submitter(),
		toNS(t.CreatedAt), toNS(t.UpdatedAt), metadata, t.TraceID)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	State types.TaskState
	Shard string
	Lane  types.Lane
	Limit int
}

// ListTasks returns tasks matching the filter, claim-ordered.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	if f.Shard != "" {
		query += ` AND shard = ?`
		args = append(args, f.Shard)
	}
	if f.Lane != "" {
		query += ` AND lane = ?`
		args = append(args, f.Lane)
	}
	query += ` ORDER BY priority ASC, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CandidateTasks selects up to k QUEUED task IDs for a claim attempt,
// ordered by (priority ASC, created_at ASC). Empty filters match all.
func (s *Store) CandidateTasks(ctx context.Context, shard, typePrefix, model string, k int) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE state = 'QUEUED'`
	var args []any
	if shard != "" {
		query += ` AND shard = ?`
		args = append(args, shard)
	}
	if typePrefix != "" {
		query += ` AND type LIKE ?`
		args = append(args, types.NormalizeTaskType(typePrefix)+"%")
	}
	if model != "" {
		query += ` AND assigned_model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan claim candidates: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically transitions a task from QUEUED to RUNNING for the
// given worker. Returns false when the claim race was lost; callers must
// not retry within the same claim attempt.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := toNS(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		   SET state = 'RUNNING', worker_id = ?,
		       started_at = ?, heartbeat_at = ?, last_activity_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'QUEUED'`,
		workerID, now, now, now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	ev, err := insertEvent(ctx, tx, types.Event{
		Type:   types.EventTaskClaimed,
		TaskID: taskID,
		Actor:  workerID,
	})
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.emit(ev)
	return true, nil
}

// CountRunningByWorker counts tasks a worker currently holds.
func (s *Store) CountRunningByWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE state = 'RUNNING' AND worker_id = ?`,
		workerID).Scan(&n)
	return n, err
}

// CountRunningBySubmitter counts RUNNING tasks owned by one submitter.
func (s *Store) CountRunningBySubmitter(ctx context.Context, submitter string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE state = 'RUNNING' AND submitter = ?`,
		submitter).Scan(&n)
	return n, err
}

// CountTasksBySubmitter counts all non-terminal tasks owned by one submitter.
func (s *Store) CountTasksBySubmitter(ctx context.Context, submitter string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		  WHERE submitter = ? AND state NOT IN ('COMPLETE', 'FAILED')`,
		submitter).Scan(&n)
	return n, err
}

// Transition moves a task to a new lifecycle state with invariant checks,
// emitting the matching event in the same transaction.
func (s *Store) Transition(ctx context.Context, taskID string, newState types.TaskState, reason, actor string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, t.State, ErrInvalidTransition)
	}

	now := toNS(time.Now())
	switch newState {
	case types.TaskStateQueued:
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'QUEUED', worker_id = NULL, updated_at = ?
			 WHERE id = ?`, now, taskID)
	case types.TaskStateRunning:
		return fmt.Errorf("use ClaimTask to enter RUNNING: %w", ErrInvalidTransition)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?`,
			newState, now, taskID)
	}
	if err != nil {
		return fmt.Errorf("transition task %s to %s: %w", taskID, newState, err)
	}

	var ev types.Event
	eventType := eventForState(newState)
	if eventType != "" {
		ev, err = insertEvent(ctx, tx, types.Event{
			Type:    eventType,
			TaskID:  taskID,
			Actor:   actor,
			TraceID: t.TraceID,
			Payload: map[string]any{"from": string(t.State), "to": string(newState), "reason": reason},
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if eventType != "" {
		s.emit(ev)
	}
	return nil
}

func eventForState(s types.TaskState) types.EventType {
	switch s {
	case types.TaskStateApproved:
		return types.EventTaskApproved
	case types.TaskStateRejected:
		return types.EventTaskRejected
	case types.TaskStateFailed:
		return types.EventTaskFailed
	default:
		return ""
	}
}

// TransitionPhase advances a task by exactly one phase step (or to a
// terminal failure phase), emitting PHASE_TRANSITION in the same transaction.
func (s *Store) TransitionPhase(ctx context.Context, taskID string, to types.Phase, actor string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !types.ValidPhaseTransition(t.Phase, to) {
		return fmt.Errorf("phase %s -> %s for task %s: %w", t.Phase, to, taskID, ErrInvalidTransition)
	}

	now := toNS(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET phase = ?, last_activity_at = ?, updated_at = ? WHERE id = ?`,
		to, now, now, taskID); err != nil {
		return fmt.Errorf("advance phase for task %s: %w", taskID, err)
	}

	ev, err := insertEvent(ctx, tx, types.Event{
		Type:    types.EventPhaseTransition,
		TaskID:  taskID,
		Actor:   actor,
		TraceID: t.TraceID,
		Payload: map[string]any{"from": string(t.Phase), "to": string(to)},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// TouchTask refreshes heartbeat_at (and optionally last_activity_at) on a
// RUNNING task.
func (s *Store) TouchTask(ctx context.Context, taskID string, activity bool) error {
	now := toNS(time.Now())
	query := `UPDATE tasks SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND state = 'RUNNING'`
	if activity {
		query = `UPDATE tasks SET heartbeat_at = ?, last_activity_at = ?, updated_at = ?
		          WHERE id = ? AND state = 'RUNNING'`
		_, err := s.db.ExecContext(ctx, query, now, now, now, taskID)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, now, now, taskID)
	return err
}

// RequeueTask returns an abandoned RUNNING task to the queue with retry
// accounting, marks its worker dead, and records the recovery event, all in
// one transaction.
func (s *Store) RequeueTask(ctx context.Context, taskID, workerID string, eventType types.EventType, reason string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := toNS(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = 'QUEUED', worker_id = NULL,
		       retry_count = COALESCE(retry_count, 0) + 1, updated_at = ?
		 WHERE id = ? AND state = 'RUNNING'`, now, taskID)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already recovered by a concurrent pass; nothing to do.
		return nil
	}

	if workerID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workers SET status = 'dead', last_heartbeat = ? WHERE worker_id = ?`,
			now, workerID); err != nil {
			return fmt.Errorf("mark worker %s dead: %w", workerID, err)
		}
	}

	ev, err := insertEvent(ctx, tx, types.Event{
		Type:    eventType,
		TaskID:  taskID,
		Actor:   "recovery",
		Payload: map[string]any{"worker_id": workerID, "reason": reason},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, taskID string) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET retry_count = COALESCE(retry_count, 0) + 1, updated_at = ?
		 WHERE id = ?`, toNS(time.Now()), taskID); err != nil {
		return 0, fmt.Errorf("increment retry for %s: %w", taskID, err)
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT retry_count FROM tasks WHERE id = ?`, taskID).Scan(&n); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// QueuedCountByShard returns the number of QUEUED tasks per shard.
func (s *Store) QueuedCountByShard(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT shard, COUNT(*) FROM tasks WHERE state = 'QUEUED' GROUP BY shard`)
	if err != nil {
		return nil, fmt.Errorf("count queued by shard: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var shard string
		var n int
		if err := rows.Scan(&shard, &n); err != nil {
			return nil, err
		}
		counts[shard] = n
	}
	return counts, rows.Err()
}

// MoveQueuedTasks reassigns up to n QUEUED tasks (priority-then-age ordered,
// skipping offset) from one shard to another in a single statement. Returns
// the number moved.
func (s *Store) MoveQueuedTasks(ctx context.Context, from, to string, n, offset int) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET shard = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM tasks
			 WHERE shard = ? AND state = 'QUEUED'
			 ORDER BY priority ASC, created_at ASC
			 LIMIT ? OFFSET ?)`,
		to, toNS(time.Now()), from, n, offset)
	if err != nil {
		return 0, fmt.Errorf("move queued tasks %s -> %s: %w", from, to, err)
	}
	moved, _ := res.RowsAffected()
	var ev types.Event
	if moved > 0 {
		ev, err = insertEvent(ctx, tx, types.Event{
			Type:  types.EventShardRedistribution,
			Actor: "supervisor",
			Payload: map[string]any{
				"from": from, "to": to, "count": moved,
			},
		})
		if err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if moved > 0 {
		s.emit(ev)
	}
	return int(moved), nil
}

// RunningTasks lists all RUNNING tasks, oldest progress first.
func (s *Store) RunningTasks(ctx context.Context) ([]*types.Task, error) {
	return s.ListTasks(ctx, TaskFilter{State: types.TaskStateRunning})
}

// UnroutedQueuedTasks lists queued tasks missing a shard or lane
// assignment. The supervisor's route pass fills these in.
func (s *Store) UnroutedQueuedTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		 WHERE state = 'QUEUED' AND (shard = '' OR lane = '')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unrouted tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetRouting stamps shard, lane and model onto a queued task.
func (s *Store) SetRouting(ctx context.Context, taskID, shard string, lane types.Lane, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET shard = ?, lane = ?, assigned_model = ?, updated_at = ?
		 WHERE id = ? AND state = 'QUEUED'`,
		shard, lane, model, toNS(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("route task %s: %w", taskID, err)
	}
	return nil
}

// CountTasksByState returns the task census for metrics.
func (s *Store) CountTasksByState(ctx context.Context) (map[types.TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskState]int)
	for rows.Next() {
		var state types.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*types.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}
