package mapper

import (
	"fmt"
	"time"
)

// AlignMethod selects how the chunk-to-chunk similarity solve treats scale.
type AlignMethod string

const (
	// AlignSE3 solves a rigid transform, holding scale at 1.
	AlignSE3 AlignMethod = "se3"
	// AlignScaleSE3 pre-estimates a scalar scale from the overlapping depth
	// distributions, then solves rotation and translation with scale fixed.
	AlignScaleSE3 AlignMethod = "scale+se3"
)

// Scale pre-estimation methods for AlignScaleSE3.
const (
	ScaleMethodMedian       = "median"
	ScaleMethodWeightedMean = "weighted_mean"
)

// DegeneratePolicy decides what happens when the overlap between two chunks
// yields too few valid correspondences to solve an alignment.
type DegeneratePolicy string

const (
	// DegenerateIdentity falls back to an identity relative transform and
	// keeps mapping. The chunk still emits; drift is logged at ops level.
	DegenerateIdentity DegeneratePolicy = "identity"
	// DegenerateFail reports a chunk-processing error. The chunk is retried
	// on the next poll cycle like any other processing failure.
	DegenerateFail DegeneratePolicy = "fail"
)

// Config holds the tuning surface for a mapping session.
type Config struct {
	// ChunkSize is the number of frames per processing window.
	ChunkSize int

	// Overlap is the number of frames shared between the tail of one chunk
	// and the head of the next, used for registration. Must be < ChunkSize.
	Overlap int

	// RefViewStrategy is passed through to the depth-inference adapter and
	// selects which frame anchors the chunk's camera frame.
	RefViewStrategy string

	// AlignMethod selects the registration solve variant.
	AlignMethod AlignMethod

	// ScaleComputeMethod selects the depth-ratio estimator used by the
	// scale+se3 alignment variant. Ignored for plain se3.
	ScaleComputeMethod string

	// LoopEnable turns on loop detection during finalization.
	LoopEnable bool

	// ConfThresholdCoef scales the mean point confidence to form the
	// emission filter threshold: points below mean*coef are dropped.
	ConfThresholdCoef float64

	// SampleRatio is the random subsampling ratio applied to emitted
	// points, in (0, 1].
	SampleRatio float64

	// MinCorrespondences is the minimum number of confidence-valid point
	// pairs required for the alignment solve. Below it the registration is
	// degenerate and DegeneratePolicy applies.
	MinCorrespondences int

	// DegeneratePolicy applies when registration is degenerate.
	DegeneratePolicy DegeneratePolicy

	// MaxChunkRetries is the number of consecutive failures of the same
	// chunk tolerated before the session is marked failed. Zero means
	// retry forever.
	MaxChunkRetries int

	// PollInterval is how long the processing worker sleeps when no chunk
	// is dispatchable.
	PollInterval time.Duration
}

// DefaultConfig returns the tuning used by the realtime capture rig.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          120,
		Overlap:            60,
		RefViewStrategy:    "middle",
		AlignMethod:        AlignScaleSE3,
		ScaleComputeMethod: ScaleMethodMedian,
		LoopEnable:         false,
		ConfThresholdCoef:  0.5,
		SampleRatio:        0.3,
		MinCorrespondences: 100,
		DegeneratePolicy:   DegenerateIdentity,
		MaxChunkRetries:    3,
		PollInterval:       100 * time.Millisecond,
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.ChunkSize {
		return fmt.Errorf("overlap must be in [0, chunk_size), got %d with chunk_size %d", c.Overlap, c.ChunkSize)
	}
	switch c.AlignMethod {
	case AlignSE3:
	case AlignScaleSE3:
		switch c.ScaleComputeMethod {
		case ScaleMethodMedian, ScaleMethodWeightedMean:
		default:
			return fmt.Errorf("unknown scale_compute_method %q", c.ScaleComputeMethod)
		}
	default:
		return fmt.Errorf("unknown align_method %q", c.AlignMethod)
	}
	if c.ConfThresholdCoef < 0 {
		return fmt.Errorf("conf_threshold_coef must be non-negative, got %g", c.ConfThresholdCoef)
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be in (0, 1], got %g", c.SampleRatio)
	}
	if c.MinCorrespondences <= 0 {
		return fmt.Errorf("min_correspondences must be positive, got %d", c.MinCorrespondences)
	}
	switch c.DegeneratePolicy {
	case DegenerateIdentity, DegenerateFail:
	default:
		return fmt.Errorf("unknown degenerate_policy %q", c.DegeneratePolicy)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	return nil
}
