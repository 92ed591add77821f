package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

// UpsertArtifact registers a phase artifact. A repeat registration for the
// same (task_id, phase, path) updates checksum, size and verified_at without
// creating a duplicate row.
func (s *Store) UpsertArtifact(ctx context.Context, a *types.PhaseArtifact) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (task_id, phase, path, type, checksum, size,
			verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, phase, path) DO UPDATE SET
			type = excluded.type,
			checksum = excluded.checksum,
			size = excluded.size,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`,
		a.TaskID, a.Phase, a.Path, a.Type, a.Checksum, a.Size,
		toNS(a.VerifiedAt), toNS(a.CreatedAt), toNS(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert artifact %s/%s/%s: %w", a.TaskID, a.Phase, a.Path, err)
	}
	return nil
}

// ArtifactsForPhase lists registered artifacts for one phase of one task.
func (s *Store) ArtifactsForPhase(ctx context.Context, taskID string, phase types.Phase) ([]*types.PhaseArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, phase, path, type, checksum, size, verified_at, created_at, updated_at
		  FROM artifacts WHERE task_id = ? AND phase = ? ORDER BY path`,
		taskID, phase)
	if err != nil {
		return nil, fmt.Errorf("artifacts for %s/%s: %w", taskID, phase, err)
	}
	defer rows.Close()

	var artifacts []*types.PhaseArtifact
	for rows.Next() {
		var a types.PhaseArtifact
		var verified, created, updated int64
		if err := rows.Scan(&a.TaskID, &a.Phase, &a.Path, &a.Type, &a.Checksum,
			&a.Size, &verified, &created, &updated); err != nil {
			return nil, err
		}
		a.VerifiedAt = fromNS(verified)
		a.CreatedAt = fromNS(created)
		a.UpdatedAt = fromNS(updated)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// MarkArtifactVerified refreshes verified_at after a successful gate check.
func (s *Store) MarkArtifactVerified(ctx context.Context, taskID string, phase types.Phase, path string) error {
	now := toNS(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET verified_at = ?, updated_at = ?
		 WHERE task_id = ? AND phase = ? AND path = ?`,
		now, now, taskID, phase, path)
	return err
}
