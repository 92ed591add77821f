// Package shard maintains per-shard health records and rebalances queued
// work: even redistribution when queue depths diverge, and draining of
// unhealthy or orphaned shards onto the rest of the fleet.
package shard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/config"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/log"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/queue"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/store"
	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// Balancer owns shard health and queue balance.
type Balancer struct {
	cfg    *config.Config
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewBalancer creates a balancer over the shared store.
func NewBalancer(cfg *config.Config, st *store.Store) *Balancer {
	return &Balancer{
		cfg:    cfg,
		store:  st,
		logger: log.WithComponent("shard"),
		now:    time.Now,
	}
}

// HeartbeatPass upserts a healthy record for every shard that has at least
// one active worker. Runs once per supervisor cycle.
func (b *Balancer) HeartbeatPass(ctx context.Context) error {
	active, err := b.store.ActiveWorkersByShard(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < b.cfg.ShardCount; i++ {
		name := queue.ShardName(i)
		if active[name] == 0 {
			continue
		}
		if err := b.store.UpsertShardHealth(ctx, &types.ShardHealth{
			Component: name,
			Status:    types.HealthHealthy,
			Details:   fmt.Sprintf("%d active workers", active[name]),
			UpdatedAt: b.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Classify buckets every shard by heartbeat age: within half the timeout is
// healthy, within the timeout degraded, beyond it unhealthy. Shards with no
// record at all are unknown.
func (b *Balancer) Classify(ctx context.Context) (map[string]types.HealthState, error) {
	records, err := b.store.ListShardHealth(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*types.ShardHealth, len(records))
	for _, rec := range records {
		byName[rec.Component] = rec
	}

	timeout := time.Duration(b.cfg.HealthTimeoutSec) * time.Second
	now := b.now()
	states := make(map[string]types.HealthState, b.cfg.ShardCount)
	for i := 0; i < b.cfg.ShardCount; i++ {
		name := queue.ShardName(i)
		rec, ok := byName[name]
		if !ok {
			states[name] = types.HealthUnknown
			continue
		}
		age := now.Sub(rec.UpdatedAt)
		switch {
		case age <= timeout/2:
			states[name] = types.HealthHealthy
		case age <= timeout:
			states[name] = types.HealthDegraded
		default:
			states[name] = types.HealthUnhealthy
		}
	}
	return states, nil
}

// OrphanedShards returns shards with zero active workers but queued work
// waiting on them.
func (b *Balancer) OrphanedShards(ctx context.Context) ([]string, error) {
	active, err := b.store.ActiveWorkersByShard(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := b.store.QueuedCountByShard(ctx)
	if err != nil {
		return nil, err
	}

	var orphaned []string
	for i := 0; i < b.cfg.ShardCount; i++ {
		name := queue.ShardName(i)
		if active[name] == 0 && queued[name] > 0 {
			orphaned = append(orphaned, name)
		}
	}
	return orphaned, nil
}

// Imbalanced reports whether the queued-depth spread across shards exceeds
// the rebalance threshold.
func (b *Balancer) Imbalanced(ctx context.Context) (bool, error) {
	counts, err := b.queuedCounts(ctx)
	if err != nil {
		return false, err
	}
	min, max := minMax(counts)
	return max-min > b.cfg.RebalanceThreshold, nil
}

// Rebalance evens queued work toward target = total / shard_count. When
// force is false it only acts past the imbalance threshold.
func (b *Balancer) Rebalance(ctx context.Context, force bool) error {
	counts, err := b.queuedCounts(ctx)
	if err != nil {
		return err
	}
	min, max := minMax(counts)
	if !force && max-min <= b.cfg.RebalanceThreshold {
		return nil
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	target := total / b.cfg.ShardCount

	// Deterministic iteration order; donors shed down to target, receivers
	// fill up to it.
	names := shardNames(b.cfg.ShardCount)
	for _, donor := range names {
		excess := counts[donor] - target
		if excess <= 0 {
			continue
		}
		for _, receiver := range names {
			if excess == 0 {
				break
			}
			deficit := target - counts[receiver]
			if deficit <= 0 {
				continue
			}
			n := excess
			if deficit < n {
				n = deficit
			}
			moved, err := b.store.MoveQueuedTasks(ctx, donor, receiver, n, 0)
			if err != nil {
				return err
			}
			counts[donor] -= moved
			counts[receiver] += moved
			excess -= moved
			if moved > 0 {
				b.logger.Info().
					Str("from", donor).
					Str("to", receiver).
					Int("count", moved).
					Msg("rebalanced queued tasks")
			}
			if moved < n {
				break
			}
		}
	}
	return nil
}

// Drain redistributes every queued task of a failing shard evenly over the
// healthy-or-degraded shards.
func (b *Balancer) Drain(ctx context.Context, source string, states map[string]types.HealthState) error {
	var targets []string
	for _, name := range shardNames(b.cfg.ShardCount) {
		if name == source {
			continue
		}
		if s := states[name]; s == types.HealthHealthy || s == types.HealthDegraded {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no healthy shard available to drain %s", source)
	}

	counts, err := b.store.QueuedCountByShard(ctx)
	if err != nil {
		return err
	}
	queued := counts[source]
	if queued == 0 {
		return nil
	}

	per := queued / len(targets)
	extra := queued % len(targets)
	for i, target := range targets {
		n := per
		if i < extra {
			n++
		}
		if n == 0 {
			continue
		}
		moved, err := b.store.MoveQueuedTasks(ctx, source, target, n, 0)
		if err != nil {
			return err
		}
		b.logger.Warn().
			Str("from", source).
			Str("to", target).
			Int("count", moved).
			Msg("drained failing shard")
	}

	return b.store.UpsertShardHealth(ctx, &types.ShardHealth{
		Component: source,
		Status:    types.HealthUnhealthy,
		Details:   fmt.Sprintf("drained %d queued tasks", queued),
		UpdatedAt: b.now(),
	})
}

// queuedCounts returns queue depths with every configured shard present.
func (b *Balancer) queuedCounts(ctx context.Context) (map[string]int, error) {
	counts, err := b.store.QueuedCountByShard(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < b.cfg.ShardCount; i++ {
		name := queue.ShardName(i)
		if _, ok := counts[name]; !ok {
			counts[name] = 0
		}
	}
	return counts, nil
}

func shardNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = queue.ShardName(i)
	}
	sort.Strings(names)
	return names
}

func minMax(counts map[string]int) (int, int) {
	first := true
	var lo, hi int
	for _, n := range counts {
		if first {
			lo, hi = n, n
			first = false
			continue
		}
		if n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	return lo, hi
}
