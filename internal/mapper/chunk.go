package mapper

import "fmt"

// ChunkStatus tracks a chunk through the processing pipeline.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkInferring ChunkStatus = "inferring"
	ChunkAligned   ChunkStatus = "aligned"
	ChunkEmitted   ChunkStatus = "emitted"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is one processing window over the frame sequence.
type Chunk struct {
	// Index is the zero-based chunk ordinal within the session.
	Index int

	// Start and End delimit the half-open frame range [Start, End).
	Start int
	End   int

	// Final marks the last chunk of a session. Final chunks keep their tail
	// overlap region when emitted; all others trim it.
	Final bool

	Status ChunkStatus

	// Retries counts consecutive processing failures for this chunk.
	Retries int
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d,%d)", c.Index, c.Start, c.End)
}

// Len returns the number of frames in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// nextChunkRange computes the frame range of chunk index given the window
// parameters and the number of frames already consumed (the End of the
// previous chunk, or 0 for the first). ok is false when available frames do
// not yet satisfy the trigger rule.
func nextChunkRange(index, processed, available, chunkSize, overlap int) (start, end int, ok bool) {
	if index == 0 {
		if available < chunkSize {
			return 0, 0, false
		}
		return 0, chunkSize, true
	}
	start = processed - overlap
	end = start + chunkSize
	if available < end {
		return 0, 0, false
	}
	return start, end, true
}

// partialChunkRange computes the forced final chunk range during drain:
// everything after the previous chunk's tail overlap. ok is false when no
// unprocessed frames remain.
func partialChunkRange(processed, available, overlap int) (start, end int, ok bool) {
	if available <= processed {
		return 0, 0, false
	}
	return processed - overlap, available, true
}

// remainingChunks estimates how many chunks are still owed for the frames
// captured so far. Used for status reporting only.
func remainingChunks(processed, available, chunkSize, overlap int) int {
	step := chunkSize - overlap
	if step <= 0 {
		return 0
	}
	var n int
	if processed == 0 {
		if available < chunkSize {
			return 0
		}
		n = (available-chunkSize)/step + 1
	} else {
		n = (available - processed) / step
	}
	if n < 0 {
		return 0
	}
	return n
}
