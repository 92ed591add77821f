// Package approval turns a gate run into the task's approval decision and
// records it: APPROVED on all-gates-pass, REJECTED while retries remain,
// FAILED once the retry cap is reached. Every decision appends to a shared
// ledger and rejections deliver structured feedback to the supervisor inbox.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/gates"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

const ledgerLockRetry = 50 * time.Millisecond

// LedgerEntry is one line of the append-only decision ledger.
type LedgerEntry struct {
	TaskID        string          `json:"task_id"`
	Decision      types.TaskState `json:"decision"`
	FailedGates   []gates.GateName `json:"failed_gates,omitempty"`
	Coverage      float64         `json:"coverage"`
	SecurityScore int             `json:"security_score"`
	RetryCount    int             `json:"retry_count"`
	Actor         string          `json:"actor"`
	TraceID       string          `json:"trace_id,omitempty"`
	DecidedAt     time.Time       `json:"decided_at"`
}

// Approver applies approval decisions for finished gate runs.
type Approver struct {
	store       *store.Store
	cfg         *config.Config
	ledgerPath  string
	ledgerLock  *flock.Flock
	lockTimeout time.Duration
	inboxDir    string
	reportsDir  string
}

// NewApprover creates an approver persisting its ledger, reports and inbox
// under dataDir.
func NewApprover(st *store.Store, cfg *config.Config, dataDir string) (*Approver, error) {
	for _, dir := range []string{
		filepath.Join(dataDir, "reports"),
		filepath.Join(dataDir, "supervisor-inbox"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create approval dir: %w", err)
		}
	}
	ledgerPath := filepath.Join(dataDir, "ledger.jsonl")
	return &Approver{
		store:       st,
		cfg:         cfg,
		ledgerPath:  ledgerPath,
		ledgerLock:  flock.New(ledgerPath + ".lock"),
		lockTimeout: time.Duration(cfg.LockTimeoutSeconds) * time.Second,
		inboxDir:    filepath.Join(dataDir, "supervisor-inbox"),
		reportsDir:  filepath.Join(dataDir, "reports"),
	}, nil
}

// Decide applies the approval outcome for the task's gate run and returns
// the resulting state.
func (a *Approver) Decide(ctx context.Context, task *types.Task, summary *gates.Summary) (types.TaskState, error) {
	logger := log.WithTaskID(task.ID)

	if summary.AllPassed {
		if err := a.store.Transition(ctx, task.ID, types.TaskStateApproved, "all gates passed", "approver"); err != nil {
			return "", err
		}
		a.writeReport(task, summary)
		a.appendLedger(LedgerEntry{
			TaskID:        task.ID,
			Decision:      types.TaskStateApproved,
			Coverage:      summary.Coverage,
			SecurityScore: summary.SecurityScore,
			RetryCount:    task.RetryCount,
			Actor:         "approver",
			TraceID:       task.TraceID,
			DecidedAt:     time.Now().UTC(),
		})
		logger.Info().Float64("coverage", summary.Coverage).Msg("task approved")
		return types.TaskStateApproved, nil
	}

	retries, err := a.store.IncrementRetry(ctx, task.ID)
	if err != nil {
		return "", err
	}

	feedback := BuildFeedback(task, summary, retries, a.cfg.MaxRetries)
	a.deliverFeedback(feedback)

	decision := types.TaskStateRejected
	reason := fmt.Sprintf("gates failed: %v (retry %d/%d)",
		summary.FailedGates(), retries, a.cfg.MaxRetries)
	if retries >= a.cfg.MaxRetries {
		decision = types.TaskStateFailed
		reason = fmt.Sprintf("gates failed at max retries: %v", summary.FailedGates())
	}
	if err := a.store.Transition(ctx, task.ID, decision, reason, "approver"); err != nil {
		return "", err
	}

	a.appendLedger(LedgerEntry{
		TaskID:        task.ID,
		Decision:      decision,
		FailedGates:   summary.FailedGates(),
		Coverage:      summary.Coverage,
		SecurityScore: summary.SecurityScore,
		RetryCount:    retries,
		Actor:         "approver",
		TraceID:       task.TraceID,
		DecidedAt:     time.Now().UTC(),
	})

	logger.Warn().
		Str("decision", string(decision)).
		Int("retries", retries).
		Msg("task not approved")
	return decision, nil
}

// writeReport persists the full gate summary for an approved task.
func (a *Approver) writeReport(task *types.Task, summary *gates.Summary) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(a.reportsDir, task.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("failed to write approval report")
	}
}

// deliverFeedback drops the structured rejection record into the
// supervisor inbox.
func (a *Approver) deliverFeedback(fb *Feedback) {
	data, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return
	}
	logger := log.WithTaskID(fb.TaskID)
	target := filepath.Join(a.inboxDir, fmt.Sprintf("%s-rejection.json", fb.TaskID))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.Error().Err(err).Msg("failed to write rejection feedback")
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		logger.Error().Err(err).Msg("failed to publish rejection feedback")
	}
}

// appendLedger writes one decision line under the exclusive ledger lock.
func (a *Approver) appendLedger(entry LedgerEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	logger := log.WithTaskID(entry.TaskID)
	ctx, cancel := context.WithTimeout(context.Background(), a.lockTimeout)
	defer cancel()
	locked, err := a.ledgerLock.TryLockContext(ctx, ledgerLockRetry)
	if err != nil || !locked {
		logger.Error().Err(err).Msg("ledger lock timeout, decision not recorded")
		return
	}
	defer func() { _ = a.ledgerLock.Unlock() }()

	f, err := os.OpenFile(a.ledgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open ledger")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Error().Err(err).Msg("failed to append ledger entry")
	}
}
