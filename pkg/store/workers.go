package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// UpsertWorker registers or refreshes a worker record. Idempotent.
func (s *Store) UpsertWorker(ctx context.Context, w *types.Worker) error {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, pid, status, specialization, shard, model,
			started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			specialization = excluded.specialization,
			shard = excluded.shard,
			model = excluded.model,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.PID, w.Status, w.Specialization, w.Shard, w.Model,
		toNS(w.StartedAt), toNS(w.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worker_id, pid, status, specialization, shard, model, started_at, last_heartbeat
		  FROM workers WHERE worker_id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return w, err
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, pid, status, specialization, shard, model, started_at, last_heartbeat
		  FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// SetWorkerStatus updates just the status of a worker.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status types.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat = ? WHERE worker_id = ?`,
		status, toNS(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set worker %s status %s: %w", id, status, err)
	}
	return nil
}

// ActiveWorkersByShard counts starting/idle/busy workers per shard.
func (s *Store) ActiveWorkersByShard(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shard, COUNT(*) FROM workers
		 WHERE status IN ('starting', 'idle', 'busy')
		 GROUP BY shard`)
	if err != nil {
		return nil, fmt.Errorf("count active workers: %w", err)
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

// CountWorkersByStatus returns the worker census for metrics.
func (s *Store) CountWorkersByStatus(ctx context.Context) (map[types.WorkerStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count workers by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.WorkerStatus]int)
	for rows.Next() {
		var status types.WorkerStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpsertHeartbeat records a worker heartbeat. Idempotent: repeating the same
// heartbeat leaves one row with refreshed timestamps.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	now := time.Now()
	if hb.Timestamp.IsZero() {
		hb.Timestamp = now
	}
	hb.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (worker_id, timestamp, status, task_id, task_type,
			progress_percent, expected_timeout_seconds, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			status = excluded.status,
			task_id = excluded.task_id,
			task_type = excluded.task_type,
			progress_percent = excluded.progress_percent,
			expected_timeout_seconds = excluded.expected_timeout_seconds,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		hb.WorkerID, toNS(hb.Timestamp), hb.Status, hb.TaskID, hb.TaskType,
		hb.ProgressPercent, hb.ExpectedTimeout, toNS(hb.LastActivityAt), toNS(hb.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert heartbeat for %s: %w", hb.WorkerID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ?, status = ? WHERE worker_id = ?`,
		toNS(hb.Timestamp), hb.Status, hb.WorkerID)
	return err
}

// TouchActivity refreshes only last_activity_at on the heartbeat record,
// marking work progressing without reporting new progress.
func (s *Store) TouchActivity(ctx context.Context, workerID string) error {
	now := toNS(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE heartbeats SET last_activity_at = ?, updated_at = ? WHERE worker_id = ?`,
		now, now, workerID)
	return err
}

// GetHeartbeat retrieves the heartbeat record for a worker.
func (s *Store) GetHeartbeat(ctx context.Context, workerID string) (*types.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT worker_id, timestamp, status, task_id, task_type, progress_percent,
		       expected_timeout_seconds, last_activity_at, updated_at
		  FROM heartbeats WHERE worker_id = ?`, workerID)

	var hb types.Heartbeat
	var ts, activity, updated int64
	err := row.Scan(&hb.WorkerID, &ts, &hb.Status, &hb.TaskID, &hb.TaskType,
		&hb.ProgressPercent, &hb.ExpectedTimeout, &activity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("heartbeat for %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	hb.Timestamp = fromNS(ts)
	hb.LastActivityAt = fromNS(activity)
	hb.UpdatedAt = fromNS(updated)
	return &hb, nil
}

func scanWorker(row interface{ Scan(...any) error }) (*types.Worker, error) {
	var w types.Worker
	var started, heartbeat int64
	err := row.Scan(&w.ID, &w.PID, &w.Status, &w.Specialization, &w.Shard,
		&w.Model, &started, &heartbeat)
	if err != nil {
		return nil, err
	}
	w.StartedAt = fromNS(started)
	w.LastHeartbeat = fromNS(heartbeat)
	return &w, nil
}
