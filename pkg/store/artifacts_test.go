package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func TestUpsertArtifactNoDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &types.PhaseArtifact{
		TaskID:   "t1",
		Phase:    types.PhaseDocument,
		Path:     "requirements.md",
		Type:     types.ArtifactDocument,
		Checksum: "abc",
		Size:     120,
	}
	require.NoError(t, st.UpsertArtifact(ctx, a))

	a.Checksum = "def"
	a.Size = 240
	require.NoError(t, st.UpsertArtifact(ctx, a))

	got, err := st.ArtifactsForPhase(ctx, "t1", types.PhaseDocument)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "def", got[0].Checksum)
	assert.Equal(t, int64(240), got[0].Size)
}

func TestArtifactsScopedToPhase(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertArtifact(ctx, &types.PhaseArtifact{
		TaskID: "t1", Phase: types.PhaseDocument, Path: "spec.md", Type: types.ArtifactDocument,
	}))
	require.NoError(t, st.UpsertArtifact(ctx, &types.PhaseArtifact{
		TaskID: "t1", Phase: types.PhasePlan, Path: "tech_design.md", Type: types.ArtifactDocument,
	}))

	doc, err := st.ArtifactsForPhase(ctx, "t1", types.PhaseDocument)
	require.NoError(t, err)
	require.Len(t, doc, 1)
	assert.Equal(t, "spec.md", doc[0].Path)
}

func TestMarkArtifactVerified(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertArtifact(ctx, &types.PhaseArtifact{
		TaskID: "t1", Phase: types.PhaseDocument, Path: "spec.md", Type: types.ArtifactDocument,
	}))

	require.NoError(t, st.MarkArtifactVerified(ctx, "t1", types.PhaseDocument, "spec.md"))

	got, err := st.ArtifactsForPhase(ctx, "t1", types.PhaseDocument)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].VerifiedAt.IsZero())
}
