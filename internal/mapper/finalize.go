package mapper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lucent-vision/depthmap/internal/fsutil"
)

// LoopEdge is one detected revisit between two non-adjacent chunks.
type LoopEdge struct {
	FromChunk int     `json:"from_chunk"`
	ToChunk   int     `json:"to_chunk"`
	Score     float64 `json:"score"`
}

// LoopDetector finds revisited places across a finished session's chunks.
type LoopDetector interface {
	DetectLoops(ctx context.Context, framesDir string, chunks []Chunk) ([]LoopEdge, error)
}

// Sim3LoopOptimizer redistributes accumulated drift over the chunk-to-world
// transforms given a set of loop constraints. Implementations are optional;
// without one, detected loops are recorded but not applied.
type Sim3LoopOptimizer interface {
	Optimize(ctx context.Context, world []SimilarityTransform, edges []LoopEdge) ([]SimilarityTransform, error)
}

// Finalizer closes out a drained session: loop detection, optional drift
// correction with re-emission, merging the chunk clouds into one file, and
// the drift report.
type Finalizer struct {
	cfg       Config
	sessionID string
	outDir    string
	emitter   *Emitter
	scratch   *resultScratch
	store     *Store
	bus       *EventBus

	detector  LoopDetector
	optimizer Sim3LoopOptimizer
}

func newFinalizer(cfg Config, sessionID, outDir string, emitter *Emitter, scratch *resultScratch,
	store *Store, bus *EventBus, detector LoopDetector, optimizer Sim3LoopOptimizer) *Finalizer {
	return &Finalizer{
		cfg:       cfg,
		sessionID: sessionID,
		outDir:    outDir,
		emitter:   emitter,
		scratch:   scratch,
		store:     store,
		bus:       bus,
		detector:  detector,
		optimizer: optimizer,
	}
}

// Run produces the combined cloud and returns its path.
func (f *Finalizer) Run(ctx context.Context, chunks []Chunk, world []SimilarityTransform, residuals []float64) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("no chunks to finalize")
	}

	cloudDir := filepath.Join(f.outDir, "pcd")
	if f.cfg.LoopEnable && f.detector != nil {
		var err error
		cloudDir, err = f.applyLoops(ctx, chunks, world)
		if err != nil {
			return "", err
		}
	}

	inputs := make([]string, len(chunks))
	for i, ch := range chunks {
		inputs[i] = filepath.Join(cloudDir, fmt.Sprintf("%d_pcd.ply", ch.Index))
	}
	combined := f.emitter.CombinedPath()
	n, err := MergePLY(combined, inputs)
	if err != nil {
		return "", fmt.Errorf("merging chunk clouds: %w", err)
	}
	opsf("combined cloud: %d chunks, %d points -> %s", len(chunks), n, filepath.Base(combined))

	if err := writeDriftReport(filepath.Join(f.outDir, "drift_report.html"), world, residuals); err != nil {
		diagf("drift report: %v", err)
	}

	if err := f.scratch.Remove(); err != nil {
		diagf("removing scratch: %v", err)
	}
	return combined, nil
}

// applyLoops runs detection, records the edges, and when an optimizer is
// wired, re-emits every chunk with the corrected transforms into pcd/loop.
// It returns the directory the merge should read chunk clouds from.
func (f *Finalizer) applyLoops(ctx context.Context, chunks []Chunk, world []SimilarityTransform) (string, error) {
	liveDir := filepath.Join(f.outDir, "pcd")

	edges, err := f.detector.DetectLoops(ctx, filepath.Join(f.outDir, "frames"), chunks)
	if err != nil {
		return "", fmt.Errorf("loop detection: %w", err)
	}
	if err := writeLoopClosures(filepath.Join(f.outDir, "loop_closures.txt"), edges); err != nil {
		diagf("writing loop closures: %v", err)
	}
	applied := f.optimizer != nil && len(edges) > 0
	for _, e := range edges {
		opsf("loop detected: chunk %d -> chunk %d (score %.3f)", e.FromChunk, e.ToChunk, e.Score)
		if err := f.store.RecordLoopEdge(ctx, f.sessionID, e, applied); err != nil {
			diagf("recording loop edge: %v", err)
		}
		f.bus.Publish(Event{
			Type:      EventLoopDetected,
			SessionID: f.sessionID,
			Data:      map[string]any{"from": e.FromChunk, "to": e.ToChunk, "score": e.Score, "applied": applied},
		})
	}
	if !applied {
		return liveDir, nil
	}

	corrected, err := f.optimizer.Optimize(ctx, world, edges)
	if err != nil {
		return "", fmt.Errorf("loop optimization: %w", err)
	}
	if len(corrected) != len(world) {
		return "", fmt.Errorf("optimizer returned %d transforms for %d chunks", len(corrected), len(world))
	}

	loopDir := filepath.Join(f.outDir, "pcd", "loop")
	if err := fsutil.EnsureDir(loopDir); err != nil {
		return "", fmt.Errorf("creating corrected cloud dir: %w", err)
	}
	for i, ch := range chunks {
		res, err := f.scratch.Load(ch.Index)
		if err != nil {
			return "", fmt.Errorf("reloading %s: %w", ch, err)
		}
		points, err := f.emitter.ProjectChunk(ch, res, corrected[i])
		if err != nil {
			return "", fmt.Errorf("re-projecting %s: %w", ch, err)
		}
		path := filepath.Join(loopDir, fmt.Sprintf("%d_pcd.ply", ch.Index))
		if err := WritePLY(path, points); err != nil {
			return "", fmt.Errorf("writing corrected %s: %w", ch, err)
		}
		tracef("re-emitted %s with loop correction: %d points", ch, len(points))
	}
	return loopDir, nil
}

func writeLoopClosures(path string, edges []LoopEdge) error {
	var b []byte
	for _, e := range edges {
		b = append(b, fmt.Sprintf("%d %d %.6f\n", e.FromChunk, e.ToChunk, e.Score)...)
	}
	return os.WriteFile(path, b, 0o644)
}
