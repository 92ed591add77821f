package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// Task marker files move between these directories as the task progresses.
// Moves are plain renames; a <task>.md.lock.d sentinel directory marks
// active execution and is removed whenever the marker leaves running/.
const (
	DirQueue    = "queue"
	DirRunning  = "running"
	DirApproved = "approved"
	DirRejected = "rejected"
	DirFailed   = "failed"
	DirComplete = "completed"
)

var taskDirs = []string{DirQueue, DirRunning, DirApproved, DirRejected, DirFailed, DirComplete}

// Files manages the on-disk task markers and per-worker state files.
type Files struct {
	taskRoot   string
	workerRoot string
}

// NewFiles ensures the task directory tree exists under taskRoot and the
// worker state tree under dataRoot.
func NewFiles(taskRoot, dataRoot string) (*Files, error) {
	for _, dir := range taskDirs {
		if err := os.MkdirAll(filepath.Join(taskRoot, dir), 0755); err != nil {
			return nil, fmt.Errorf("create task dir %s: %w", dir, err)
		}
	}
	workerRoot := filepath.Join(dataRoot, "workers")
	if err := os.MkdirAll(workerRoot, 0755); err != nil {
		return nil, fmt.Errorf("create worker state dir: %w", err)
	}
	return &Files{taskRoot: taskRoot, workerRoot: workerRoot}, nil
}

func (f *Files) marker(dir, taskID string) string {
	return filepath.Join(f.taskRoot, dir, taskID+".md")
}

func (f *Files) lockDir(taskID string) string {
	return f.marker(DirRunning, taskID) + ".lock.d"
}

// Move renames the task marker from one lifecycle directory to another.
// Leaving running/ releases the lock sentinel; entering it creates one. A
// missing marker is not an error; tasks submitted directly to the database
// have none.
func (f *Files) Move(taskID, from, to string) error {
	if from == DirRunning {
		_ = os.Remove(f.lockDir(taskID))
	}
	src := f.marker(from, taskID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(src, f.marker(to, taskID)); err != nil {
		return fmt.Errorf("move task %s from %s to %s: %w", taskID, from, to, err)
	}
	if to == DirRunning {
		if err := os.Mkdir(f.lockDir(taskID), 0755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("create lock sentinel for %s: %w", taskID, err)
		}
	}
	return nil
}

// MoveToRunning renames the task marker from queue/ to running/ and creates
// the lock sentinel.
func (f *Files) MoveToRunning(taskID string) error {
	return f.Move(taskID, DirQueue, DirRunning)
}

// MoveFromRunning renames the marker out of running/ into dest and releases
// the lock sentinel.
func (f *Files) MoveFromRunning(taskID, dest string) error {
	return f.Move(taskID, DirRunning, dest)
}

// Requeue moves a marker back to queue/ from running/ or, for tasks that
// already cleared review, approved/, releasing the lock.
func (f *Files) Requeue(taskID string) error {
	if err := f.Move(taskID, DirRunning, DirQueue); err != nil {
		return err
	}
	return f.Move(taskID, DirApproved, DirQueue)
}

// Finalize moves the marker into a terminal directory from running/ or
// approved/, whichever currently holds it.
func (f *Files) Finalize(taskID, dest string) error {
	if _, err := os.Stat(f.marker(DirRunning, taskID)); err == nil {
		return f.Move(taskID, DirRunning, dest)
	}
	_ = os.Remove(f.lockDir(taskID))
	return f.Move(taskID, DirApproved, dest)
}

// WorkerDir returns the state directory for one worker.
func (f *Files) WorkerDir(workerID string) string {
	return filepath.Join(f.workerRoot, workerID)
}

// workerState is the state.json payload the three-probe liveness check
// reads.
type workerState struct {
	WorkerID string             `json:"worker_id"`
	PID      int                `json:"pid"`
	Status   types.WorkerStatus `json:"status"`
	TaskID   string             `json:"task_id,omitempty"`
	Updated  time.Time          `json:"updated_at"`
}

// WriteWorkerState refreshes the worker's pid and state.json files. Liveness
// probes key off the state file's mtime, so this runs on every heartbeat.
func (f *Files) WriteWorkerState(workerID string, pid int, status types.WorkerStatus, taskID string) error {
	dir := f.WorkerDir(workerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pid"),
		[]byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	data, err := json.Marshal(workerState{
		WorkerID: workerID,
		PID:      pid,
		Status:   status,
		TaskID:   taskID,
		Updated:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0644); err != nil {
		return fmt.Errorf("write worker state: %w", err)
	}
	return nil
}

// TouchHeartbeatFile refreshes the worker's heartbeat file mtime.
func (f *Files) TouchHeartbeatFile(workerID string) error {
	path := filepath.Join(f.WorkerDir(workerID), "heartbeat")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		return os.WriteFile(path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0644)
	}
	return nil
}

// RemoveWorkerState deletes a worker's state directory after it is gone.
func (f *Files) RemoveWorkerState(workerID string) error {
	return os.RemoveAll(f.WorkerDir(workerID))
}
