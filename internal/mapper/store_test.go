package mapper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, "s1", "/tmp/out", StateCapturing, DefaultConfig()))

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateCapturing, rec.State)
	assert.Equal(t, "/tmp/out", rec.OutputDir)
	assert.Nil(t, rec.FinishedAt)
	assert.False(t, rec.StartedAt.IsZero())

	require.NoError(t, s.SetSessionState(ctx, "s1", StateProcessing))
	require.NoError(t, s.FinishSession(ctx, "s1", StateFailed, "inference unreachable"))

	rec, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "inference unreachable", rec.Error)
	assert.NotNil(t, rec.FinishedAt)
}

func TestStoreGetSessionAbsent(t *testing.T) {
	s := testStore(t)
	rec, err := s.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStoreChunksAndLoopEdges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, "s2", "/tmp/out", StateProcessing, DefaultConfig()))

	reg := &RegistrationResult{
		Transform:        IdentityTransform(),
		Correspondences:  450,
		Residual:         0.012,
		PrecomputedScale: 1.04,
	}
	chunks := []Chunk{
		{Index: 0, Start: 0, End: 120},
		{Index: 1, Start: 60, End: 180, Final: true},
	}
	// Chunk 0 has no predecessor and therefore no registration.
	require.NoError(t, s.RecordChunk(ctx, "s2", chunks[0], nil, IdentityTransform(), 900, "pcd/0_pcd.ply"))
	require.NoError(t, s.RecordChunk(ctx, "s2", chunks[1], reg, IdentityTransform(), 1100, "pcd/1_pcd.ply"))

	got, err := s.ListChunks(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 0, got[0].Correspondences)
	assert.Equal(t, 1.0, got[0].Scale)

	assert.Equal(t, 1, got[1].ChunkIndex)
	assert.True(t, got[1].Final)
	assert.Equal(t, 450, got[1].Correspondences)
	assert.Equal(t, 1.04, got[1].Scale)
	assert.Equal(t, 60, got[1].FrameStart)
	assert.Equal(t, 180, got[1].FrameEnd)
	assert.Equal(t, 1100, got[1].Points)
	assert.Equal(t, "pcd/1_pcd.ply", got[1].CloudPath)

	require.NoError(t, s.RecordLoopEdge(ctx, "s2", LoopEdge{FromChunk: 0, ToChunk: 1, Score: 0.8}, false))
}

func TestStoreMarkChunkFinal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, "s3", "/tmp/out", StateProcessing, DefaultConfig()))
	require.NoError(t, s.RecordChunk(ctx, "s3", Chunk{Index: 0, Start: 0, End: 120}, nil, IdentityTransform(), 900, "pcd/0_pcd.ply"))

	require.NoError(t, s.MarkChunkFinal(ctx, "s3", 0, 1350))

	got, err := s.ListChunks(ctx, "s3")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Final)
	assert.Equal(t, 1350, got[0].Points)
}

func TestStoreListSessionsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.CreateSession(ctx, id, "/tmp/"+id, StateFinished, DefaultConfig()))
	}
	recs, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
