package mapper

import (
	"context"
	"fmt"
)

// InferenceResult holds the per-frame outputs of a depth-inference pass over
// one chunk of frames. All per-frame slices have one entry per input frame.
type InferenceResult struct {
	// Width and Height are the pixel dimensions of the depth maps.
	Width  int
	Height int

	// Depth holds one row-major Width*Height depth map per frame, in the
	// model's metric-ambiguous units.
	Depth [][]float32

	// Conf holds one row-major confidence map per frame, same layout as
	// Depth.
	Conf [][]float32

	// Intrinsics holds one row-major 3x3 pinhole matrix per frame.
	Intrinsics [][9]float64

	// Extrinsics holds one row-major 3x4 world-to-camera matrix per frame,
	// expressed in the chunk's local coordinate frame.
	Extrinsics [][12]float64

	// Colors holds one RGB byte triple per pixel per frame (3*Width*Height
	// bytes, row-major), sampled from the source images. May be nil when the
	// adapter does not return color.
	Colors [][]uint8
}

// Frames returns the number of frames covered by the result.
func (r *InferenceResult) Frames() int { return len(r.Depth) }

// validate checks internal consistency so downstream geometry can index
// without bounds surprises.
func (r *InferenceResult) validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("inference result has invalid dimensions %dx%d", r.Width, r.Height)
	}
	n := len(r.Depth)
	if n == 0 {
		return fmt.Errorf("inference result has no frames")
	}
	if len(r.Conf) != n || len(r.Intrinsics) != n || len(r.Extrinsics) != n {
		return fmt.Errorf("inference result per-frame slices disagree: depth=%d conf=%d intr=%d extr=%d",
			n, len(r.Conf), len(r.Intrinsics), len(r.Extrinsics))
	}
	if r.Colors != nil && len(r.Colors) != n {
		return fmt.Errorf("inference result colors disagree: got %d frames, want %d", len(r.Colors), n)
	}
	px := r.Width * r.Height
	for i := 0; i < n; i++ {
		if len(r.Depth[i]) != px || len(r.Conf[i]) != px {
			return fmt.Errorf("frame %d map size mismatch: depth=%d conf=%d want %d", i, len(r.Depth[i]), len(r.Conf[i]), px)
		}
		if r.Colors != nil && len(r.Colors[i]) != 3*px {
			return fmt.Errorf("frame %d color size mismatch: got %d want %d", i, len(r.Colors[i]), 3*px)
		}
	}
	return nil
}

// DepthInferenceAdapter runs the monocular depth model over a chunk of frame
// images. Implementations are expected to be slow; the context carries
// cancellation for session teardown.
type DepthInferenceAdapter interface {
	Infer(ctx context.Context, frames []string, refViewStrategy string) (*InferenceResult, error)
}
