// Package chunk computes chunk boundaries for large inputs. Chunks of one
// job are contiguous, non-overlapping, and cover the whole input, so every
// byte is processed exactly once and merge order is fixed by chunk index.
package chunk

import (
	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

// Sizer chooses chunk sizes within a configured range. Small inputs get one
// large chunk so per-chunk fixed overhead does not dominate; very large
// inputs get more, smaller chunks to bound per-unit latency and the cost of
// retrying a single failed chunk.
type Sizer struct {
	minSize int64
	maxSize int64
	// maxConcurrency biases the chunk count toward a multiple of the
	// available parallelism when the input is large enough to split.
	maxConcurrency int
}

// NewSizer creates a Sizer. Zero values fall back to the processing API's
// payload limit: chunks of at most 22MB (90% of the 25MB ceiling).
func NewSizer(minSize, maxSize int64, maxConcurrency int) *Sizer {
	if minSize <= 0 {
		minSize = 1 * 1024 * 1024
	}
	if maxSize < minSize {
		maxSize = 22 * 1024 * 1024
		if maxSize < minSize {
			maxSize = minSize
		}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Sizer{
		minSize:        minSize,
		maxSize:        maxSize,
		maxConcurrency: maxConcurrency,
	}
}

// ComputeChunks returns the ordered chunk boundaries for an input of
// totalSize bytes. It always returns at least one chunk for a positive size;
// an input no larger than the minimum chunk size yields exactly one chunk.
func (s *Sizer) ComputeChunks(jobID types.JobID, totalSize int64) ([]types.Chunk, error) {
	if totalSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "invalid input size %d", totalSize)
	}

	if totalSize <= s.minSize {
		return []types.Chunk{{JobID: jobID, Index: 0, Offset: 0, Size: totalSize}}, nil
	}

	chunkSize := s.pickChunkSize(totalSize)

	count := int((totalSize + chunkSize - 1) / chunkSize)
	chunks := make([]types.Chunk, 0, count)

	var offset int64
	for i := 0; offset < totalSize; i++ {
		size := chunkSize
		if remaining := totalSize - offset; remaining < size {
			size = remaining
		}
		chunks = append(chunks, types.Chunk{
			JobID:  jobID,
			Index:  i,
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	return chunks, nil
}

// pickChunkSize chooses a size in [minSize, maxSize]. Inputs that fit in a
// single maximal chunk per worker use the largest chunks allowed; beyond
// that the size is reduced toward an even split across a whole number of
// rounds, never dropping below minSize.
func (s *Sizer) pickChunkSize(totalSize int64) int64 {
	perRound := s.maxSize * int64(s.maxConcurrency)
	if totalSize <= perRound {
		// One round of work: split evenly across available workers so no
		// worker idles while another processes an oversized tail.
		size := (totalSize + int64(s.maxConcurrency) - 1) / int64(s.maxConcurrency)
		if size < s.minSize {
			size = s.minSize
		}
		if size > s.maxSize {
			size = s.maxSize
		}
		return size
	}
	return s.maxSize
}

// Validate checks the coverage invariant for a chunk list: contiguous,
// non-overlapping, union equal to [0, totalSize). The orchestrator asserts
// this before dispatching work.
func Validate(chunks []types.Chunk, totalSize int64) error {
	if len(chunks) == 0 {
		return errors.New(errors.ErrCodeInternalError, "no chunks for positive size")
	}

	var expectedOffset int64
	for i, c := range chunks {
		if c.Index != i {
			return errors.Newf(errors.ErrCodeInternalError,
				"chunk %d has index %d", i, c.Index)
		}
		if c.Offset != expectedOffset {
			return errors.Newf(errors.ErrCodeInternalError,
				"chunk %d starts at %d, expected %d", i, c.Offset, expectedOffset)
		}
		if c.Size <= 0 {
			return errors.Newf(errors.ErrCodeInternalError,
				"chunk %d has non-positive size %d", i, c.Size)
		}
		expectedOffset = c.End()
	}
	if expectedOffset != totalSize {
		return errors.Newf(errors.ErrCodeInternalError,
			"chunks cover %d bytes, expected %d", expectedOffset, totalSize)
	}
	return nil
}
