package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

const (
	mb = 1024 * 1024
)

func TestComputeChunksSmallInput(t *testing.T) {
	t.Parallel()

	s := NewSizer(1*mb, 22*mb, 4)
	jobID := types.NewJobID()

	tests := []struct {
		name string
		size int64
	}{
		{"single byte", 1},
		{"half the minimum", mb / 2},
		{"exactly the minimum", 1 * mb},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks, err := s.ComputeChunks(jobID, tt.size)
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			assert.Equal(t, int64(0), chunks[0].Offset)
			assert.Equal(t, tt.size, chunks[0].Size)
			assert.Equal(t, jobID, chunks[0].JobID)
		})
	}
}

func TestComputeChunksInvalidSize(t *testing.T) {
	t.Parallel()

	s := NewSizer(1*mb, 22*mb, 4)
	for _, size := range []int64{0, -1} {
		_, err := s.ComputeChunks(types.NewJobID(), size)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.Classify(err))
	}
}

func TestComputeChunksCoverage(t *testing.T) {
	t.Parallel()

	s := NewSizer(1*mb, 22*mb, 4)

	// Every byte must be covered exactly once across a spread of sizes,
	// including ones that do not divide evenly.
	sizes := []int64{
		1*mb + 1,
		5 * mb,
		22 * mb,
		25 * mb,
		88 * mb,
		88*mb + 17,
		200 * mb,
		1000*mb + 3,
	}

	for _, size := range sizes {
		chunks, err := s.ComputeChunks(types.NewJobID(), size)
		require.NoError(t, err)
		require.NoError(t, Validate(chunks, size), "size %d", size)
	}
}

func TestComputeChunksRespectsMaxSize(t *testing.T) {
	t.Parallel()

	s := NewSizer(1*mb, 22*mb, 4)
	chunks, err := s.ComputeChunks(types.NewJobID(), 500*mb)
	require.NoError(t, err)

	for _, c := range chunks {
		assert.LessOrEqual(t, c.Size, int64(22*mb))
		assert.Greater(t, c.Size, int64(0))
	}
}

func TestComputeChunksEvenSplitWithinOneRound(t *testing.T) {
	t.Parallel()

	// 40MB across 4 workers fits one round, so it splits into 4 chunks of
	// 10MB instead of 22+18.
	s := NewSizer(1*mb, 22*mb, 4)
	chunks, err := s.ComputeChunks(types.NewJobID(), 40*mb)
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.Equal(t, int64(10*mb), c.Size)
	}
}

func TestNewSizerDefaults(t *testing.T) {
	t.Parallel()

	s := NewSizer(0, 0, 0)
	assert.Equal(t, int64(1*mb), s.minSize)
	assert.Equal(t, int64(22*mb), s.maxSize)
	assert.Equal(t, 4, s.maxConcurrency)
}

func TestValidateRejectsBadChunkLists(t *testing.T) {
	t.Parallel()

	jobID := types.NewJobID()

	tests := []struct {
		name   string
		chunks []types.Chunk
		total  int64
	}{
		{"empty", nil, 10},
		{
			"gap between chunks",
			[]types.Chunk{
				{JobID: jobID, Index: 0, Offset: 0, Size: 4},
				{JobID: jobID, Index: 1, Offset: 5, Size: 5},
			},
			10,
		},
		{
			"overlap",
			[]types.Chunk{
				{JobID: jobID, Index: 0, Offset: 0, Size: 6},
				{JobID: jobID, Index: 1, Offset: 5, Size: 5},
			},
			10,
		},
		{
			"wrong index order",
			[]types.Chunk{
				{JobID: jobID, Index: 1, Offset: 0, Size: 10},
			},
			10,
		},
		{
			"incomplete coverage",
			[]types.Chunk{
				{JobID: jobID, Index: 0, Offset: 0, Size: 9},
			},
			10,
		},
		{
			"zero size chunk",
			[]types.Chunk{
				{JobID: jobID, Index: 0, Offset: 0, Size: 10},
				{JobID: jobID, Index: 1, Offset: 10, Size: 0},
			},
			10,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, Validate(tt.chunks, tt.total))
		})
	}
}
