// Package recovery runs the background daemon that finds abandoned work:
// stale RUNNING tasks, zombie tasks held by silent workers, crashed worker
// processes, and pending-sync markers left by failed database writes.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/worker"
)

// Daemon is the recovery loop
type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	files  *worker.Files
	logger zerolog.Logger
	now    func() time.Time

	pidAlive func(int) bool
}

// New creates a recovery daemon over the shared store.
func New(cfg *config.Config, st *store.Store) (*Daemon, error) {
	files, err := worker.NewFiles(cfg.TaskDir, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		store:    st,
		files:    files,
		logger:   log.WithComponent("recovery"),
		now:      time.Now,
		pidAlive: pidAlive,
	}, nil
}

// Run executes scan cycles every RECOVERY_INTERVAL until the context is
// cancelled. The first scan runs immediately.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Int("interval_seconds", d.cfg.RecoveryInterval).
		Msg("recovery daemon started")

	interval := time.Duration(d.cfg.RecoveryInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("recovery daemon stopped")
			return nil
		case <-ticker.C:
			d.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs every scan. Each scan logs and continues past its own
// errors so one bad record cannot stall the rest of the cycle.
func (d *Daemon) ScanOnce(ctx context.Context) {
	if err := d.staleScan(ctx); err != nil {
		d.logger.Error().Err(err).Msg("stale-task scan failed")
	}
	if err := d.zombieScan(ctx); err != nil {
		d.logger.Error().Err(err).Msg("zombie-task scan failed")
	}
	if err := d.crashedWorkerScan(ctx); err != nil {
		d.logger.Error().Err(err).Msg("crashed-worker scan failed")
	}
	if err := d.rejectedScan(ctx); err != nil {
		d.logger.Error().Err(err).Msg("rejected-task scan failed")
	}
	if err := d.pendingSyncScan(ctx); err != nil {
		d.logger.Error().Err(err).Msg("pending-sync scan failed")
	}
}

// staleScan requeues RUNNING tasks whose last progress evidence is older
// than their effective timeout, unless the owning worker still looks alive.
func (d *Daemon) staleScan(ctx context.Context) error {
	running, err := d.store.RunningTasks(ctx)
	if err != nil {
		return err
	}
	now := d.now()

	for _, task := range running {
		timeout := d.effectiveTimeout(ctx, task)
		age := now.Sub(task.LastProgress())
		if age <= timeout {
			continue
		}
		if d.workerLooksAlive(ctx, task.WorkerID, timeout) {
			d.logger.Debug().
				Str("task_id", task.ID).
				Str("worker_id", task.WorkerID).
				Dur("age", age).
				Msg("task slow but worker alive, leaving alone")
			continue
		}

		reason := fmt.Sprintf("no progress for %s (timeout %s)", age.Round(time.Second), timeout)
		d.requeue(ctx, task, types.EventTaskRecovered, reason, "stale")
	}
	return nil
}

// zombieScan requeues RUNNING tasks whose worker heartbeat went silent for
// longer than the zombie window.
func (d *Daemon) zombieScan(ctx context.Context) error {
	running, err := d.store.RunningTasks(ctx)
	if err != nil {
		return err
	}
	cutoff := d.now().Add(-time.Duration(d.cfg.ZombieTimeoutMinutes) * time.Minute)

	for _, task := range running {
		if task.WorkerID == "" {
			continue
		}
		w, err := d.store.GetWorker(ctx, task.WorkerID)
		if err != nil {
			continue
		}
		if w.LastHeartbeat.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("worker %s silent since %s", w.ID, w.LastHeartbeat.Format(time.RFC3339))
		d.requeue(ctx, task, types.EventZombieRecovery, reason, "zombie")
	}
	return nil
}

// crashedWorkerScan marks workers dead when their heartbeat age exceeds the
// graced timeout, requeueing whatever they were running.
func (d *Daemon) crashedWorkerScan(ctx context.Context) error {
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	now := d.now()

	for _, w := range workers {
		if w.Status == types.WorkerDead || w.Status == types.WorkerStopping {
			continue
		}
		timeout := d.workerTimeout(ctx, w.ID)
		grace := time.Duration(float64(timeout) * d.cfg.WorkerStaleGraceMultiplier)
		if now.Sub(w.LastHeartbeat) <= grace {
			continue
		}
		if w.PID > 0 && d.pidAlive(w.PID) {
			// Process exists but heartbeats stopped; mark stale, not dead.
			if err := d.store.SetWorkerStatus(ctx, w.ID, types.WorkerStale); err != nil {
				d.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to mark worker stale")
			}
			continue
		}

		d.logger.Warn().
			Str("worker_id", w.ID).
			Time("last_heartbeat", w.LastHeartbeat).
			Msg("worker crashed, marking dead")
		if err := d.store.SetWorkerStatus(ctx, w.ID, types.WorkerDead); err != nil {
			d.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to mark worker dead")
			continue
		}
		if err := d.store.AppendEvent(ctx, types.Event{
			Type:  types.EventWorkerCrashDetected,
			Actor: "recovery",
			Payload: map[string]any{
				"worker_id":      w.ID,
				"last_heartbeat": w.LastHeartbeat.Format(time.RFC3339),
			},
		}); err != nil {
			d.logger.Error().Err(err).Msg("failed to append crash event")
		}

		d.requeueWorkerTasks(ctx, w.ID)
	}
	return nil
}

// requeueWorkerTasks returns every RUNNING task of a dead worker to the
// queue.
func (d *Daemon) requeueWorkerTasks(ctx context.Context, workerID string) {
	running, err := d.store.RunningTasks(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list running tasks")
		return
	}
	for _, task := range running {
		if task.WorkerID != workerID {
			continue
		}
		d.requeue(ctx, task, types.EventTaskRecovered, "worker crashed", "crash")
	}
}

// rejectedScan returns REJECTED tasks with retry budget remaining to the
// queue, so the rejection feedback gets acted on without operator
// intervention. Tasks at the cap stay put for manual inspection.
func (d *Daemon) rejectedScan(ctx context.Context) error {
	rejected, err := d.store.ListTasks(ctx, store.TaskFilter{State: types.TaskStateRejected})
	if err != nil {
		return err
	}
	for _, task := range rejected {
		if task.RetryCount >= d.cfg.MaxRetries {
			continue
		}
		d.logger.Info().
			Str("task_id", task.ID).
			Int("retries", task.RetryCount).
			Msg("returning rejected task to queue")
		if err := d.store.Transition(ctx, task.ID, types.TaskStateQueued,
			"automatic retry after rejection", "recovery"); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("rejected-task requeue failed")
			continue
		}
		if err := d.files.Move(task.ID, worker.DirRejected, worker.DirQueue); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to move rejected marker back to queue")
		}
	}
	return nil
}

// pendingSyncScan applies markers left behind when a filesystem change
// outran its database write.
func (d *Daemon) pendingSyncScan(ctx context.Context) error {
	dir := filepath.Join(d.cfg.DataDir, "pending-sync")
	markers, err := store.ListPendingSync(dir)
	if err != nil {
		return err
	}

	for _, m := range markers {
		task, err := d.store.GetTask(ctx, m.TaskID)
		if err != nil {
			d.logger.Warn().Err(err).Str("task_id", m.TaskID).Msg("pending-sync task missing, dropping marker")
			_ = store.RemovePendingSync(dir, m.TaskID)
			continue
		}

		if task.State != m.TargetState {
			if err := d.store.Transition(ctx, m.TaskID, m.TargetState, "pending-sync: "+m.Reason, "recovery"); err != nil {
				d.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("pending-sync apply failed, will retry")
				continue
			}
		}
		if err := d.store.AppendEvent(ctx, types.Event{
			Type:    types.EventPendingSyncApplied,
			TaskID:  m.TaskID,
			Actor:   "recovery",
			TraceID: m.TraceID,
			Payload: map[string]any{"target_state": string(m.TargetState), "reason": m.Reason},
		}); err != nil {
			d.logger.Error().Err(err).Msg("failed to append pending-sync event")
		}
		if err := store.RemovePendingSync(dir, m.TaskID); err != nil {
			d.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("failed to remove pending-sync marker")
			continue
		}
		metrics.PendingSyncApplied.Inc()
	}
	return nil
}

// requeue runs the transactional requeue and moves the task marker file
// back to the queue. A failed file move is logged only; the marker drift is
// caught by the next pending-sync pass.
func (d *Daemon) requeue(ctx context.Context, task *types.Task, eventType types.EventType, reason, kind string) {
	d.logger.Warn().
		Str("task_id", task.ID).
		Str("worker_id", task.WorkerID).
		Str("reason", reason).
		Msg("requeueing abandoned task")

	if err := d.store.RequeueTask(ctx, task.ID, task.WorkerID, eventType, reason); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("requeue transaction failed")
		return
	}
	metrics.RecoveriesTotal.WithLabelValues(kind).Inc()
	if err := d.files.Requeue(task.ID); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to move task marker back to queue")
	}
}

// effectiveTimeout resolves a task's stale threshold: the worker-reported
// expected timeout when one exists, else the task-type default.
func (d *Daemon) effectiveTimeout(ctx context.Context, task *types.Task) time.Duration {
	if task.WorkerID != "" {
		if hb, err := d.store.GetHeartbeat(ctx, task.WorkerID); err == nil && hb.ExpectedTimeout > 0 {
			return time.Duration(hb.ExpectedTimeout) * time.Second
		}
	}
	return types.HeartbeatTimeoutForTaskType(task.Type)
}

// workerTimeout resolves a worker's heartbeat staleness threshold.
func (d *Daemon) workerTimeout(ctx context.Context, workerID string) time.Duration {
	if hb, err := d.store.GetHeartbeat(ctx, workerID); err == nil && hb.ExpectedTimeout > 0 {
		return time.Duration(hb.ExpectedTimeout) * time.Second
	}
	return time.Duration(d.cfg.WorkerStaleHeartbeatMinutes) * time.Minute
}

// workerLooksAlive is the cross-check that keeps slow-but-live tasks off the
// requeue path: PID reachable or a heartbeat within one effective timeout.
func (d *Daemon) workerLooksAlive(ctx context.Context, workerID string, timeout time.Duration) bool {
	if workerID == "" {
		return false
	}
	w, err := d.store.GetWorker(ctx, workerID)
	if err != nil {
		return false
	}
	if w.PID > 0 && d.pidAlive(w.PID) {
		return true
	}
	return d.now().Sub(w.LastHeartbeat) <= timeout
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
