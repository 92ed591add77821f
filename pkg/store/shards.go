package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// UpsertShardHealth records the latest health classification for a shard.
func (s *Store) UpsertShardHealth(ctx context.Context, h *types.ShardHealth) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_health (component, status, details, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			status = excluded.status,
			details = excluded.details,
			updated_at = excluded.updated_at`,
		h.Component, h.Status, h.Details, toNS(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert shard health %s: %w", h.Component, err)
	}
	return nil
}

// ListShardHealth returns all shard health records.
func (s *Store) ListShardHealth(ctx context.Context) ([]*types.ShardHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component, status, details, updated_at FROM shard_health ORDER BY component`)
	if err != nil {
		return nil, fmt.Errorf("list shard health: %w", err)
	}
	defer rows.Close()

	var records []*types.ShardHealth
	for rows.Next() {
		var h types.ShardHealth
		var updated int64
		if err := rows.Scan(&h.Component, &h.Status, &h.Details, &updated); err != nil {
			return nil, err
		}
		h.UpdatedAt = fromNS(updated)
		records = append(records, &h)
	}
	return records, rows.Err()
}
