package mapper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
)

type fakeDetector struct {
	edges []LoopEdge
	err   error
}

func (d *fakeDetector) DetectLoops(ctx context.Context, framesDir string, chunks []Chunk) ([]LoopEdge, error) {
	return d.edges, d.err
}

// shiftOptimizer replaces every transform's translation with a fixed offset.
type shiftOptimizer struct {
	offset r3.Vector
}

func (o *shiftOptimizer) Optimize(ctx context.Context, world []SimilarityTransform, edges []LoopEdge) ([]SimilarityTransform, error) {
	out := make([]SimilarityTransform, len(world))
	for i, tf := range world {
		tf.Translation = o.offset
		out[i] = tf
	}
	return out, nil
}

// finalizerFixture emits two chunks through a processor-free path so the
// finalizer has real clouds and scratch files to work with.
func finalizerFixture(t *testing.T, cfg Config, detector LoopDetector, optimizer Sim3LoopOptimizer) (*Finalizer, []Chunk, []SimilarityTransform) {
	t.Helper()
	outDir := t.TempDir()
	emitter, err := NewEmitter(cfg, outDir)
	if err != nil {
		t.Fatal(err)
	}
	scratch, err := newResultScratch(outDir)
	if err != nil {
		t.Fatal(err)
	}
	store := testStore(t)
	if err := store.CreateSession(context.Background(), "fin-test", outDir, StateFinalizing, cfg); err != nil {
		t.Fatal(err)
	}

	chunks := []Chunk{
		{Index: 0, Start: 0, End: 6},
		{Index: 1, Start: 4, End: 10, Final: true},
	}
	world := []SimilarityTransform{IdentityTransform(), IdentityTransform()}
	for i, ch := range chunks {
		res := syntheticResult(ch.Len(), 4, 4, 1.0, 1.0)
		if err := scratch.Save(ch.Index, res); err != nil {
			t.Fatal(err)
		}
		if _, _, err := emitter.EmitChunk(ch, res, world[i]); err != nil {
			t.Fatal(err)
		}
	}

	fin := newFinalizer(cfg, "fin-test", outDir, emitter, scratch, store, NewEventBus(), detector, optimizer)
	return fin, chunks, world
}

func TestFinalizeMergesChunkClouds(t *testing.T) {
	fin, chunks, world := finalizerFixture(t, drainConfig(), nil, nil)

	combined, err := fin.Run(context.Background(), chunks, world, []float64{0, 0.1})
	if err != nil {
		t.Fatal(err)
	}
	points, err := ReadPLY(combined)
	if err != nil {
		t.Fatal(err)
	}
	// Chunk 0 trims its 2-frame tail (4 frames), chunk 1 keeps all 6 frames.
	if want := 10 * 16; len(points) != want {
		t.Fatalf("combined cloud has %d points, want %d", len(points), want)
	}

	if _, err := os.Stat(filepath.Join(fin.outDir, "drift_report.html")); err != nil {
		t.Errorf("drift report missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fin.outDir, "raw")); !os.IsNotExist(err) {
		t.Errorf("scratch dir kept after finalize (err %v)", err)
	}
}

func TestFinalizeLoopAdvisoryOnly(t *testing.T) {
	// A detector without an optimizer records loops but leaves the clouds
	// alone.
	cfg := drainConfig()
	cfg.LoopEnable = true
	detector := &fakeDetector{edges: []LoopEdge{{FromChunk: 0, ToChunk: 1, Score: 0.87}}}
	fin, chunks, world := finalizerFixture(t, cfg, detector, nil)

	combined, err := fin.Run(context.Background(), chunks, world, []float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(fin.outDir, "loop_closures.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "0 1 0.87") {
		t.Fatalf("loop_closures.txt = %q", data)
	}
	if _, err := os.Stat(filepath.Join(fin.outDir, "pcd", "loop")); !os.IsNotExist(err) {
		t.Errorf("corrected cloud dir created without an optimizer (err %v)", err)
	}
	if _, err := ReadPLY(combined); err != nil {
		t.Fatal(err)
	}
}

func TestFinalizeLoopCorrectionReemits(t *testing.T) {
	cfg := drainConfig()
	cfg.LoopEnable = true
	detector := &fakeDetector{edges: []LoopEdge{{FromChunk: 0, ToChunk: 1, Score: 0.91}}}
	optimizer := &shiftOptimizer{offset: r3.Vector{X: 100}}
	fin, chunks, world := finalizerFixture(t, cfg, detector, optimizer)

	combined, err := fin.Run(context.Background(), chunks, world, []float64{0, 0})
	if err != nil {
		t.Fatal(err)
	}

	for _, ch := range chunks {
		if _, err := os.Stat(filepath.Join(fin.outDir, "pcd", "loop", fmt.Sprintf("%d_pcd.ply", ch.Index))); err != nil {
			t.Errorf("corrected cloud for chunk %d missing: %v", ch.Index, err)
		}
	}

	points, err := ReadPLY(combined)
	if err != nil {
		t.Fatal(err)
	}
	// Every corrected transform shifts X by 100; the merged cloud must be
	// built from the corrected clouds, not the live ones.
	for _, p := range points {
		if p.X < 50 {
			t.Fatalf("point %+v not shifted by the loop correction", p)
		}
	}
}

func TestFinalizeNoChunksIsError(t *testing.T) {
	fin, _, _ := finalizerFixture(t, drainConfig(), nil, nil)
	if _, err := fin.Run(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected error for a session with no chunks")
	}
}
