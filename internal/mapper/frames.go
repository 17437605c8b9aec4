package mapper

import "sync"

// FrameSequence is the append-only list of captured frame paths shared
// between the capture worker and the processing worker. Appends come from a
// single writer; reads may come from any goroutine.
type FrameSequence struct {
	mu     sync.RWMutex
	frames []string
}

func NewFrameSequence() *FrameSequence {
	return &FrameSequence{}
}

// Append adds one frame path and returns the new length.
func (fs *FrameSequence) Append(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = append(fs.frames, path)
	return len(fs.frames)
}

// Len returns the number of frames captured so far.
func (fs *FrameSequence) Len() int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.frames)
}

// Slice copies out the half-open range [start, end). The caller owns the
// returned slice.
func (fs *FrameSequence) Slice(start, end int) []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if start < 0 || end > len(fs.frames) || start > end {
		return nil
	}
	out := make([]string, end-start)
	copy(out, fs.frames[start:end])
	return out
}

// Reset drops all frames.
func (fs *FrameSequence) Reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = nil
}
