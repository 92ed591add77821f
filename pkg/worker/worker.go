// Package worker runs the claim-execute-heartbeat loop of one worker
// process. A worker registers itself, pulls tasks for its (lane, shard)
// slot, drives each task through the SDLC phases with the backend chain,
// and submits the result for approval.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/approval"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/backend"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/gates"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/phase"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/queue"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

const claimIdleSleep = 3 * time.Second

// Slot identifies the (lane, shard) position this worker fills.
type Slot struct {
	Lane  types.Lane
	Shard string
	Model string
}

// NewWorkerID formats the conventional worker identity.
func NewWorkerID(lane types.Lane) string {
	return fmt.Sprintf("worker-%s-%d-%d", lane, time.Now().Unix(), os.Getpid())
}

// Runner is one worker process
type Runner struct {
	id     string
	slot   Slot
	cfg    *config.Config
	store  *store.Store
	files  *Files
	claim  *queue.Claimer
	chain  *backend.Chain
	engine *phase.Engine
	gates  *gates.Runner
	appr   *approval.Approver
	invoke backend.Invoker
	logger zerolog.Logger

	status  types.WorkerStatus
	current string
}

// New wires a worker runner for the given slot. A nil invoker selects the
// default CLI invoker for the backend families.
func New(cfg *config.Config, slot Slot, st *store.Store, invoke backend.Invoker) (*Runner, error) {
	if err := backend.CheckCredential(slot.Model); err != nil {
		return nil, err
	}

	files, err := NewFiles(cfg.TaskDir, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	chain, err := backend.NewChain(cfg, cfg.DataDir, st)
	if err != nil {
		return nil, err
	}
	gateRunner, err := gates.NewRunner(cfg, nil)
	if err != nil {
		return nil, err
	}
	approver, err := approval.NewApprover(st, cfg, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if invoke == nil {
		invoke = CLIInvoker()
	}

	id := NewWorkerID(slot.Lane)
	return &Runner{
		id:     id,
		slot:   slot,
		cfg:    cfg,
		store:  st,
		files:  files,
		claim:  queue.NewClaimer(st, cfg),
		chain:  chain,
		engine: phase.NewEngine(st, cfg),
		gates:  gateRunner,
		appr:   approver,
		invoke: invoke,
		logger: log.WithWorkerID(id),
		status: types.WorkerStarting,
	}, nil
}

// ID returns the worker's identity.
func (r *Runner) ID() string { return r.id }

// Run registers the worker and drives the claim-execute loop until the
// context is cancelled. On a clean exit the worker record is marked dead so
// the supervisor can refill the slot.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	r.logger.Info().
		Str("lane", string(r.slot.Lane)).
		Str("shard", r.slot.Shard).
		Str("model", r.slot.Model).
		Msg("worker started")

	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	r.setStatus(ctx, types.WorkerIdle)
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		default:
		}

		task, err := r.claim.ClaimNext(ctx, queue.Request{
			WorkerID: r.id,
			Shard:    r.slot.Shard,
			Model:    r.slot.Model,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("claim attempt failed")
			sleepCtx(ctx, claimIdleSleep)
			continue
		}
		if task == nil {
			sleepCtx(ctx, claimIdleSleep)
			continue
		}
		r.execute(ctx, task)
	}
}

func (r *Runner) register(ctx context.Context) error {
	if err := r.store.UpsertWorker(ctx, &types.Worker{
		ID:             r.id,
		PID:            os.Getpid(),
		Status:         types.WorkerStarting,
		Specialization: r.slot.Lane,
		Shard:          r.slot.Shard,
		Model:          r.slot.Model,
		StartedAt:      time.Now(),
		LastHeartbeat:  time.Now(),
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return r.files.WriteWorkerState(r.id, os.Getpid(), types.WorkerStarting, "")
}

// heartbeatLoop upserts the heartbeat record and refreshes the on-disk
// liveness files every tick.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runner) sendHeartbeat(ctx context.Context) {
	hb := &types.Heartbeat{
		WorkerID:  r.id,
		Timestamp: time.Now(),
		Status:    r.status,
		TaskID:    r.current,
	}
	if r.current != "" {
		if task, err := r.store.GetTask(ctx, r.current); err == nil {
			hb.TaskType = task.Type
			hb.ExpectedTimeout = int(types.HeartbeatTimeoutForTaskType(task.Type).Seconds())
		}
		if err := r.store.TouchTask(ctx, r.current, false); err != nil {
			r.logger.Error().Err(err).Msg("failed to touch running task")
		}
	}
	if err := r.store.UpsertHeartbeat(ctx, hb); err != nil {
		r.logger.Error().Err(err).Msg("heartbeat upsert failed")
	}
	if err := r.files.WriteWorkerState(r.id, os.Getpid(), r.status, r.current); err != nil {
		r.logger.Error().Err(err).Msg("failed to refresh worker state file")
	}
	if err := r.files.TouchHeartbeatFile(r.id); err != nil {
		r.logger.Error().Err(err).Msg("failed to touch heartbeat file")
	}
}

func (r *Runner) setStatus(ctx context.Context, status types.WorkerStatus) {
	r.status = status
	if err := r.store.SetWorkerStatus(ctx, r.id, status); err != nil {
		r.logger.Error().Err(err).Str("status", string(status)).Msg("failed to set worker status")
	}
}

// shutdown marks the worker dead after the loop drained. Any task left
// RUNNING is requeued by the next recovery pass.
func (r *Runner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.PoolShutdownTimeout)*time.Second)
	defer cancel()

	r.setStatus(ctx, types.WorkerStopping)
	r.sendHeartbeat(ctx)
	r.setStatus(ctx, types.WorkerDead)
	r.logger.Info().Msg("worker stopped")
	return nil
}

// execute drives one claimed task through its remaining phases.
func (r *Runner) execute(ctx context.Context, task *types.Task) {
	logger := r.logger.With().Str("task_id", task.ID).Str("type", task.Type).Logger()
	r.current = task.ID
	r.setStatus(ctx, types.WorkerBusy)
	defer func() {
		r.current = ""
		r.setStatus(ctx, types.WorkerIdle)
	}()

	if err := r.files.MoveToRunning(task.ID); err != nil {
		logger.Error().Err(err).Msg("failed to move task marker to running")
	}

	workspace := filepath.Join(r.cfg.TaskDir, "workspaces", task.ID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		logger.Error().Err(err).Msg("failed to create workspace")
		r.requeue(ctx, task, "workspace unavailable")
		return
	}

	for types.PhaseRank(task.Phase) >= 0 && task.Phase != types.PhaseComplete {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown during execution, releasing task")
			r.requeue(ctx, task, "worker shutting down")
			return
		default:
		}

		if done := r.runPhase(ctx, task, workspace, logger); done {
			return
		}
		if err := r.store.TouchTask(ctx, task.ID, true); err != nil {
			logger.Error().Err(err).Msg("activity tick failed")
		}
	}

	if err := r.store.Transition(ctx, task.ID, types.TaskStateComplete, "pipeline complete", r.id); err != nil {
		logger.Error().Err(err).Msg("failed to complete task")
		return
	}
	if err := r.files.Finalize(task.ID, DirComplete); err != nil {
		logger.Error().Err(err).Msg("failed to move task marker to completed")
		r.writePendingSync(task, types.TaskStateComplete, "marker move failed")
	}
	logger.Info().Msg("task complete")
}

// runPhase performs the work of the task's current phase and advances it.
// Returns true when the task reached a terminal outcome and execution must
// stop.
func (r *Runner) runPhase(ctx context.Context, task *types.Task, workspace string, logger zerolog.Logger) bool {
	output, err := r.chain.Execute(ctx, task, r.invoke)
	if err != nil {
		r.handleChainError(ctx, task, err, logger)
		return true
	}
	if err := r.writeDeliverable(ctx, task, workspace, output); err != nil {
		logger.Error().Err(err).Msg("failed to write phase deliverable")
		r.requeue(ctx, task, "deliverable write failed")
		return true
	}

	if task.Phase == types.PhaseExecute {
		if done := r.reviewExecute(ctx, task, workspace, logger); done {
			return true
		}
	}

	if _, err := r.engine.Advance(ctx, task, workspace); err != nil {
		var verr *phase.ValidationError
		if errors.As(err, &verr) {
			r.handleGateRefusal(ctx, task, verr, logger)
			return true
		}
		logger.Error().Err(err).Msg("phase advance failed")
		r.requeue(ctx, task, "phase advance failed")
		return true
	}
	return false
}

// reviewExecute runs the quality gates and the approval decision for the
// EXECUTE phase. Returns true when the task did not get approved.
func (r *Runner) reviewExecute(ctx context.Context, task *types.Task, workspace string, logger zerolog.Logger) bool {
	summary, err := r.gates.Run(ctx, workspace)
	if err != nil {
		logger.Error().Err(err).Msg("gate run failed")
		r.requeue(ctx, task, "gate run failed")
		return true
	}
	if err := r.writeTestResult(workspace, summary); err != nil {
		logger.Error().Err(err).Msg("failed to record test result")
	}

	decision, err := r.appr.Decide(ctx, task, summary)
	if err != nil {
		logger.Error().Err(err).Msg("approval decision failed")
		r.requeue(ctx, task, "approval decision failed")
		return true
	}
	switch decision {
	case types.TaskStateApproved:
		task.State = types.TaskStateApproved
		// The marker waits in approved/ while the remaining phases finish.
		if err := r.files.MoveFromRunning(task.ID, DirApproved); err != nil {
			logger.Error().Err(err).Msg("failed to move task marker to approved")
			r.writePendingSync(task, types.TaskStateApproved, "marker move failed")
		}
		return false
	case types.TaskStateRejected:
		if err := r.files.MoveFromRunning(task.ID, DirRejected); err != nil {
			r.writePendingSync(task, types.TaskStateRejected, "marker move failed")
		}
		return true
	default:
		if err := r.files.MoveFromRunning(task.ID, DirFailed); err != nil {
			r.writePendingSync(task, types.TaskStateFailed, "marker move failed")
		}
		return true
	}
}

// handleChainError maps backend-chain failures onto the task lifecycle:
// budget exhaustion is terminal, everything else requeues for another sweep.
func (r *Runner) handleChainError(ctx context.Context, task *types.Task, err error, logger zerolog.Logger) {
	if errors.Is(err, backend.ErrRetryBudgetExhausted) {
		logger.Error().Err(err).Msg("retry budget exhausted, failing task")
		if terr := r.store.Transition(ctx, task.ID, types.TaskStateFailed, err.Error(), r.id); terr != nil {
			logger.Error().Err(terr).Msg("failed to mark task failed")
		}
		if merr := r.files.Finalize(task.ID, DirFailed); merr != nil {
			r.writePendingSync(task, types.TaskStateFailed, "marker move failed")
		}
		return
	}
	logger.Warn().Err(err).Msg("backend sweep failed, requeueing")
	r.requeue(ctx, task, "backend sweep failed")
}

// handleGateRefusal treats a refused phase gate like a rejected review:
// retry while budget remains, fail terminally past the cap.
func (r *Runner) handleGateRefusal(ctx context.Context, task *types.Task, verr *phase.ValidationError, logger zerolog.Logger) {
	retries, err := r.store.IncrementRetry(ctx, task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count gate refusal")
		return
	}
	if retries >= r.cfg.MaxRetries {
		logger.Error().Strs("reasons", verr.Reasons).Msg("phase gate failed at max retries")
		if terr := r.store.Transition(ctx, task.ID, types.TaskStateFailed, verr.Error(), r.id); terr != nil {
			logger.Error().Err(terr).Msg("failed to mark task failed")
		}
		if merr := r.files.Finalize(task.ID, DirFailed); merr != nil {
			r.writePendingSync(task, types.TaskStateFailed, "marker move failed")
		}
		return
	}
	logger.Warn().Strs("reasons", verr.Reasons).Int("retries", retries).Msg("phase gate refused, rejecting")
	if terr := r.store.Transition(ctx, task.ID, types.TaskStateRejected, verr.Error(), r.id); terr != nil {
		logger.Error().Err(terr).Msg("failed to mark task rejected")
	}
	if merr := r.files.Finalize(task.ID, DirRejected); merr != nil {
		r.writePendingSync(task, types.TaskStateRejected, "marker move failed")
	}
}

// requeue returns the task to QUEUED and moves its marker back.
func (r *Runner) requeue(ctx context.Context, task *types.Task, reason string) {
	if err := r.store.Transition(ctx, task.ID, types.TaskStateQueued, reason, r.id); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue task")
		r.writePendingSync(task, types.TaskStateQueued, reason)
	}
	if err := r.files.Requeue(task.ID); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to move task marker back to queue")
	}
}

// writePendingSync records DB/filesystem drift for the reconciler.
func (r *Runner) writePendingSync(task *types.Task, target types.TaskState, reason string) {
	marker := types.PendingSync{
		TaskID:      task.ID,
		TargetState: target,
		Reason:      reason,
		TraceID:     task.TraceID,
	}
	dir := filepath.Join(r.cfg.DataDir, "pending-sync")
	if err := store.WritePendingSync(dir, marker); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to write pending-sync marker")
	}
}

// phaseDeliverables maps document phases to the file the gate validation
// expects.
var phaseDeliverables = map[types.Phase]string{
	types.PhaseBrainstorm: "requirements.md",
	types.PhaseDocument:   "spec.md",
	types.PhasePlan:       "tech_design.md",
}

// writeDeliverable persists the backend output as the current phase's
// artifact and registers it. EXECUTE output goes to the execution log; TRACK
// writes the progress record.
func (r *Runner) writeDeliverable(ctx context.Context, task *types.Task, workspace, output string) error {
	switch task.Phase {
	case types.PhaseTrack:
		return writeProgress(filepath.Join(workspace, "progress.json"), output)
	case types.PhaseExecute:
		path := filepath.Join(workspace, "execute_log.md")
		if err := os.WriteFile(path, []byte(output), 0644); err != nil {
			return err
		}
		_, err := r.engine.RegisterArtifact(ctx, task.ID, task.Phase, path)
		return err
	}

	name, ok := phaseDeliverables[task.Phase]
	if !ok {
		return nil
	}
	path := filepath.Join(workspace, name)
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return err
	}
	_, err := r.engine.RegisterArtifact(ctx, task.ID, task.Phase, path)
	return err
}

// writeTestResult records the gate outcome in the form the EXECUTE phase
// gate reads back.
func (r *Runner) writeTestResult(workspace string, summary *gates.Summary) error {
	result := phase.TestResult{
		Passed:   summary.AllPassed,
		Coverage: summary.Coverage,
	}
	return writeJSON(filepath.Join(workspace, "test_result.json"), result)
}

// CLIInvoker returns the default invoker: run the family's CLI binary with
// the task prompt on stdin.
func CLIInvoker() backend.Invoker {
	return func(ctx context.Context, family string, task *types.Task) (string, error) {
		timeout := types.HeartbeatTimeoutForTaskType(task.Type)
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(execCtx, family, "exec", "--format", "text")
		cmd.Stdin = bytes.NewReader([]byte(buildPrompt(task)))
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("backend %s timed out after %s", family, timeout)
			}
			return "", fmt.Errorf("backend %s: %v: %s", family, err, stderr.String())
		}
		return stdout.String(), nil
	}
}

// buildPrompt renders the per-phase instruction for the backend call.
func buildPrompt(task *types.Task) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Task %s (%s), phase %s.\n", task.ID, task.Type, task.Phase)
	if desc := task.Metadata["description"]; desc != "" {
		fmt.Fprintf(&buf, "Description: %s\n", desc)
	}
	switch task.Phase {
	case types.PhaseBrainstorm:
		buf.WriteString("Produce requirements.md listing the requirements for this task.\n")
	case types.PhaseDocument:
		buf.WriteString("Produce spec.md including an Acceptance Criteria section.\n")
	case types.PhasePlan:
		buf.WriteString("Produce tech_design.md covering approach, files and dependencies.\n")
	case types.PhaseExecute:
		buf.WriteString("Implement the planned changes and report what was done.\n")
	case types.PhaseTrack:
		buf.WriteString("Summarize progress and key metrics for this task.\n")
	}
	return buf.String()
}

// writeProgress records a minimal tracking entry when the backend output
// carries no structured metrics of its own.
func writeProgress(path, notes string) error {
	p := phase.Progress{
		Percent: 100,
		Metrics: map[string]float64{"phases_completed": float64(types.PhaseRank(types.PhaseTrack))},
		Notes:   truncate(notes, 2048),
	}
	return writeJSON(path, p)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
