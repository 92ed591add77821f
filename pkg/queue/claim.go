package queue

import (
	"context"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// candidateScanLimit bounds how many queued tasks one claim attempt
// inspects before giving up.
const candidateScanLimit = 10

// Claimer runs the pre-claim fairness gates and the atomic claim
// transaction on behalf of one worker.
type Claimer struct {
	store *store.Store
	cfg   *config.Config
	sleep func(time.Duration)
}

// NewClaimer creates a claimer bound to the shared store.
func NewClaimer(st *store.Store, cfg *config.Config) *Claimer {
	return &Claimer{store: st, cfg: cfg, sleep: time.Sleep}
}

// Request describes one claim attempt
type Request struct {
	WorkerID   string
	Shard      string
	TypeFilter string
	Model      string
}

// ClaimNext attempts to claim one task for the worker. Returns nil when no
// eligible task exists; the caller's loop retries on its own cadence. A lost
// claim race also returns nil rather than retrying inside the call.
func (c *Claimer) ClaimNext(ctx context.Context, req Request) (*types.Task, error) {
	logger := log.WithWorkerID(req.WorkerID)

	// Gate 1: worker anti-starvation.
	if c.cfg.AntiStarvationEnabled {
		running, err := c.store.CountRunningByWorker(ctx, req.WorkerID)
		if err != nil {
			return nil, err
		}
		if running >= c.cfg.MaxConcurrentTasksPerWorker {
			logger.Debug().
				Int("running", running).
				Int("limit", c.cfg.MaxConcurrentTasksPerWorker).
				Msg("worker at concurrency limit, backing off")
			metrics.ClaimsTotal.WithLabelValues("limited").Inc()
			c.sleep(time.Duration(c.cfg.AntiStarvationBackoffSec) * time.Second)
			return nil, nil
		}
	}

	// Gate 2: candidate scan in claim order.
	candidates, err := c.store.CandidateTasks(ctx, req.Shard, req.TypeFilter, req.Model, candidateScanLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	// Gate 3: per-user fairness. Skip candidates whose submitter already
	// saturates the running limit; "unknown" submitters are never limited.
	for _, candidate := range candidates {
		if c.cfg.PerUserLimitsEnabled {
			submitter := candidate.Submitter()
			if submitter != "unknown" {
				running, err := c.store.CountRunningBySubmitter(ctx, submitter)
				if err != nil {
					return nil, err
				}
				if running >= c.cfg.MaxRunningTasksPerUser {
					logger.Debug().
						Str("task_id", candidate.ID).
						Str("submitter", submitter).
						Msg("skipping candidate, submitter at running limit")
					continue
				}
			}
		}

		claimed, err := c.store.ClaimTask(ctx, candidate.ID, req.WorkerID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the race to another worker.
			logger.Debug().Str("task_id", candidate.ID).Msg("claim race lost")
			metrics.ClaimsTotal.WithLabelValues("race_lost").Inc()
			return nil, nil
		}
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		return c.store.GetTask(ctx, candidate.ID)
	}

	metrics.ClaimsTotal.WithLabelValues("empty").Inc()
	return nil, nil
}
