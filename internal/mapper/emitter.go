package mapper

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/lucent-vision/depthmap/internal/fsutil"
)

// Emitter projects processed chunks into world-frame point clouds and writes
// them under <outDir>/pcd. One chunk produces one <index>_pcd.ply file.
type Emitter struct {
	cfg    Config
	outDir string

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEmitter(cfg Config, outDir string) (*Emitter, error) {
	dir := filepath.Join(outDir, "pcd")
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating point cloud dir: %w", err)
	}
	return &Emitter{
		cfg:    cfg,
		outDir: outDir,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// CloudPath returns the file path for a chunk's cloud.
func (e *Emitter) CloudPath(index int) string {
	return filepath.Join(e.outDir, "pcd", fmt.Sprintf("%d_pcd.ply", index))
}

// CombinedPath returns the file path of the merged session cloud.
func (e *Emitter) CombinedPath() string {
	return filepath.Join(e.outDir, "pcd", "combined_pcd.ply")
}

// EmitChunk projects the chunk's kept frames through the chunk-to-world
// transform and writes the resulting cloud. Non-final chunks drop their last
// Overlap frames, so consecutive chunk clouds tile the capture without
// double-covering the shared region; the final chunk keeps its tail.
func (e *Emitter) EmitChunk(ch Chunk, res *InferenceResult, world SimilarityTransform) (string, int, error) {
	points, err := e.ProjectChunk(ch, res, world)
	if err != nil {
		return "", 0, err
	}
	path := e.CloudPath(ch.Index)
	if err := WritePLY(path, points); err != nil {
		return "", 0, fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	opsf("emitted %s: %d points -> %s", ch, len(points), filepath.Base(path))
	return path, len(points), nil
}

// ProjectChunk builds the world-frame point set for a chunk without writing
// it. Shared by live emission and by re-emission after loop correction.
func (e *Emitter) ProjectChunk(ch Chunk, res *InferenceResult, world SimilarityTransform) ([]Point, error) {
	hi := res.Frames()
	if !ch.Final {
		hi -= e.cfg.Overlap
	}
	if hi <= 0 {
		return nil, fmt.Errorf("%s: nothing to emit after overlap trim", ch)
	}

	threshold := meanConf(res, 0, hi) * e.cfg.ConfThresholdCoef

	var points []Point
	for f := 0; f < hi; f++ {
		cm, err := newCameraModel(res.Intrinsics[f], res.Extrinsics[f])
		if err != nil {
			return nil, fmt.Errorf("%s frame %d: %w", ch, f, err)
		}
		depth := res.Depth[f]
		conf := res.Conf[f]
		var colors []uint8
		if res.Colors != nil {
			colors = res.Colors[f]
		}
		for y := 0; y < res.Height; y++ {
			row := y * res.Width
			for x := 0; x < res.Width; x++ {
				i := row + x
				d := float64(depth[i])
				c := float64(conf[i])
				if d <= 0 || c < threshold {
					continue
				}
				if !e.keep() {
					continue
				}
				p := world.Apply(cm.unproject(x, y, d))
				pt := Point{
					X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z),
					Conf: conf[i],
				}
				if colors != nil {
					pt.R, pt.G, pt.B = colors[3*i], colors[3*i+1], colors[3*i+2]
				}
				points = append(points, pt)
			}
		}
	}
	return points, nil
}

func (e *Emitter) keep() bool {
	if e.cfg.SampleRatio >= 1 {
		return true
	}
	e.mu.Lock()
	ok := e.rng.Float64() < e.cfg.SampleRatio
	e.mu.Unlock()
	return ok
}
