package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/breaker"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/metrics"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// ErrRetryBudgetExhausted means the task burned through its whole fallback
// budget and must fail permanently.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// ErrAllBackendsFailed means one full sweep of the fallback chain produced no
// success. The sweep counts one unit against the task's retry budget.
var ErrAllBackendsFailed = errors.New("all backends failed")

// defaultRateLimitWindow is how long a family stays skipped after a
// rate-limit classified error.
const defaultRateLimitWindow = 60 * time.Second

// Invoker performs one call against a named backend family.
type Invoker func(ctx context.Context, family string, task *types.Task) (string, error)

// Chain executes tasks through the ordered fallback chain, guarding each
// family with its circuit breaker and rate-limit window.
type Chain struct {
	cfg      *config.Config
	dataDir  string
	breakers map[string]*breaker.Breaker
	limits   *RateLimiter
	store    *store.Store
	backoff  BackoffPolicy
	sleep    func(time.Duration)
}

// NewChain builds a chain over the configured fallback order. Breaker and
// rate-limit state live under dataDir so all processes share them.
func NewChain(cfg *config.Config, dataDir string, st *store.Store) (*Chain, error) {
	limits, err := NewRateLimiter(filepath.Join(dataDir, "rate-limits"))
	if err != nil {
		return nil, err
	}

	opts := breaker.Options{
		FailureThreshold: cfg.CBFailureThreshold,
		Cooldown:         time.Duration(cfg.CBCooldownSeconds) * time.Second,
		HalfOpenMaxCalls: cfg.CBHalfOpenMaxCalls,
		LockTimeout:      time.Duration(cfg.LockTimeoutSeconds) * time.Second,
	}
	breakers := make(map[string]*breaker.Breaker, len(cfg.EHFallbackOrder))
	for _, family := range cfg.EHFallbackOrder {
		br, err := breaker.New(filepath.Join(dataDir, "breakers"), family, opts)
		if err != nil {
			return nil, err
		}
		breakers[family] = br
	}

	return &Chain{
		cfg:      cfg,
		dataDir:  dataDir,
		breakers: breakers,
		limits:   limits,
		store:    st,
		backoff: BackoffPolicy{
			Base:       time.Duration(cfg.EHBackoffBase) * time.Second,
			Max:        time.Duration(cfg.EHBackoffMax) * time.Second,
			Multiplier: cfg.EHBackoffMultiplier,
			Jitter:     cfg.EHJitter,
		},
		sleep: time.Sleep,
	}, nil
}

// Breaker returns the breaker guarding family, or nil when the family is not
// in the chain.
func (c *Chain) Breaker(family string) *breaker.Breaker {
	return c.breakers[family]
}

// order returns the fallback order with the task's assigned family moved to
// the front.
func (c *Chain) order(assigned string) []string {
	out := make([]string, 0, len(c.cfg.EHFallbackOrder)+1)
	if assigned != "" {
		out = append(out, assigned)
	}
	for _, family := range c.cfg.EHFallbackOrder {
		if family != assigned {
			out = append(out, family)
		}
	}
	return out
}

// Execute runs the task through the fallback chain. Each family gets up to
// EH_MAX_RETRIES attempts with backoff on retryable errors. Families whose
// breaker denies the call or that sit inside a rate-limit window are
// skipped. A full unsuccessful sweep increments the task's retry count; the
// chain refuses to start once the budget is spent.
func (c *Chain) Execute(ctx context.Context, task *types.Task, invoke Invoker) (string, error) {
	if task.RetryCount >= c.cfg.EHRetryBudget {
		return "", fmt.Errorf("task %s: %w (%d/%d)",
			task.ID, ErrRetryBudgetExhausted, task.RetryCount, c.cfg.EHRetryBudget)
	}

	logger := log.WithTaskID(task.ID)
	var lastErr error

	for _, family := range c.order(task.AssignedModel) {
		br := c.breakers[family]
		if br == nil {
			var err error
			br, err = breaker.New(filepath.Join(c.dataDir, "breakers"), family, breaker.Options{
				FailureThreshold: c.cfg.CBFailureThreshold,
				Cooldown:         time.Duration(c.cfg.CBCooldownSeconds) * time.Second,
				HalfOpenMaxCalls: c.cfg.CBHalfOpenMaxCalls,
				LockTimeout:      time.Duration(c.cfg.LockTimeoutSeconds) * time.Second,
			})
			if err != nil {
				return "", err
			}
			c.breakers[family] = br
		}

		allowed, err := br.Allow()
		if err != nil {
			return "", err
		}
		if !allowed {
			logger.Debug().Str("family", family).Msg("breaker open, skipping family")
			continue
		}
		if c.limits.Limited(family) {
			logger.Debug().Str("family", family).Msg("rate limited, skipping family")
			continue
		}

		out, err := c.attempt(ctx, family, task, br, invoke, logger)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if c.store != nil {
		if _, err := c.store.IncrementRetry(ctx, task.ID); err != nil {
			logger.Error().Err(err).Msg("failed to record retry-budget spend")
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no eligible backend family")
	}
	return "", fmt.Errorf("task %s: %w: %v", task.ID, ErrAllBackendsFailed, lastErr)
}

// attempt drives the per-family retry loop: up to EH_MAX_RETRIES calls with
// backoff on retryable errors. Every failed call feeds the breaker; a trip
// is recorded to the event log.
func (c *Chain) attempt(ctx context.Context, family string, task *types.Task, br *breaker.Breaker, invoke Invoker, logger zerolog.Logger) (string, error) {
	var lastErr error

	for n := 1; n <= c.cfg.EHMaxRetries; n++ {
		out, err := invoke(ctx, family, task)
		if err == nil {
			metrics.BackendCallsTotal.WithLabelValues(family, "success").Inc()
			if rerr := br.RecordSuccess(); rerr != nil {
				logger.Error().Err(rerr).Str("family", family).Msg("failed to record breaker success")
			}
			return out, nil
		}
		lastErr = err
		metrics.BackendCallsTotal.WithLabelValues(family, "failure").Inc()

		class := Classify(err.Error())
		logger.Warn().
			Str("family", family).
			Str("class", string(class)).
			Int("attempt", n).
			Err(err).
			Msg("backend call failed")

		c.recordFailure(ctx, family, task, br, class, logger)

		if class == ClassRateLimit {
			if merr := c.limits.Mark(family, defaultRateLimitWindow); merr != nil {
				logger.Error().Err(merr).Str("family", family).Msg("failed to record rate-limit window")
			}
			break
		}
		if !Retryable(class) {
			break
		}
		if n < c.cfg.EHMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			c.sleep(c.backoff.Delay(n))
		}
	}
	return "", lastErr
}

// recordFailure feeds the breaker and emits BREAKER_TRIPPED when this
// failure opened it.
func (c *Chain) recordFailure(ctx context.Context, family string, task *types.Task, br *breaker.Breaker, class ErrorClass, logger zerolog.Logger) {
	tripped, err := br.RecordFailure()
	if err != nil {
		logger.Error().Err(err).Str("family", family).Msg("failed to record breaker failure")
		return
	}
	if tripped && c.store != nil {
		ev := types.Event{
			Type:    types.EventBreakerTripped,
			TaskID:  task.ID,
			Actor:   "backend-chain",
			TraceID: task.TraceID,
			Payload: map[string]any{
				"family": family,
				"class":  string(class),
			},
		}
		if aerr := c.store.AppendEvent(ctx, ev); aerr != nil {
			logger.Error().Err(aerr).Msg("failed to append breaker-tripped event")
		}
	}
}
