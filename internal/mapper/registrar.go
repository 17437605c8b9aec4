package mapper

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrDegenerateOverlap reports that the overlap between two chunks produced
// too few confidence-valid correspondences to solve an alignment.
var ErrDegenerateOverlap = errors.New("degenerate overlap: too few valid correspondences")

// registrationStride subsamples the pixel grid when building correspondences.
// Full-resolution pairing is unnecessary for a least-squares similarity solve
// and would make each registration cost tens of millions of pairs.
const registrationStride = 4

// confThresholdRatio sets the pair-validity floor relative to the overlap's
// median confidence.
const confThresholdRatio = 0.1

// RegistrationResult describes one solved chunk-to-chunk alignment.
type RegistrationResult struct {
	// Transform maps the current chunk's frame into the previous chunk's
	// frame.
	Transform SimilarityTransform

	// Correspondences is the number of weighted point pairs used.
	Correspondences int

	// Residual is the weighted RMS distance between the previous chunk's
	// overlap points and the transformed current chunk's points.
	Residual float64

	// PrecomputedScale is the depth-ratio scale estimate for the scale+se3
	// variant, or 1 for plain se3.
	PrecomputedScale float64
}

// Registrar solves the similarity transform between consecutive chunks from
// their shared overlap frames.
type Registrar struct {
	cfg Config
}

func NewRegistrar(cfg Config) *Registrar {
	return &Registrar{cfg: cfg}
}

// Register aligns curr to prev. prev contributes its last Overlap frames and
// curr its first Overlap frames; the two ranges cover the same captured
// images, so points pair pixel-by-pixel.
func (rg *Registrar) Register(prev, curr *InferenceResult) (*RegistrationResult, error) {
	v := rg.cfg.Overlap
	if prev.Frames() < v || curr.Frames() < v {
		return nil, fmt.Errorf("overlap %d exceeds chunk sizes %d/%d", v, prev.Frames(), curr.Frames())
	}
	if prev.Width != curr.Width || prev.Height != curr.Height {
		return nil, fmt.Errorf("chunk resolutions disagree: %dx%d vs %dx%d",
			prev.Width, prev.Height, curr.Width, curr.Height)
	}

	pairs, err := rg.collectPairs(prev, curr, v)
	if err != nil {
		return nil, err
	}
	if len(pairs.p1) < rg.cfg.MinCorrespondences {
		diagf("registration degenerate: %d pairs < %d required", len(pairs.p1), rg.cfg.MinCorrespondences)
		return &RegistrationResult{
			Transform:        IdentityTransform(),
			Correspondences:  len(pairs.p1),
			PrecomputedScale: 1,
		}, ErrDegenerateOverlap
	}

	scale := 1.0
	if rg.cfg.AlignMethod == AlignScaleSE3 {
		scale, err = estimateScale(rg.cfg.ScaleComputeMethod, pairs.d1, pairs.d2, pairs.w)
		if err != nil {
			return nil, fmt.Errorf("scale pre-estimate: %w", err)
		}
		if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return nil, fmt.Errorf("scale pre-estimate produced %g", scale)
		}
	}

	tf, err := solveWeightedProcrustes(pairs.p1, pairs.p2, pairs.w, scale)
	if err != nil {
		return nil, err
	}

	res := &RegistrationResult{
		Transform:        tf,
		Correspondences:  len(pairs.p1),
		Residual:         weightedRMS(pairs.p1, pairs.p2, pairs.w, tf),
		PrecomputedScale: scale,
	}
	tracef("registered %d pairs, scale=%.4f residual=%.4f", res.Correspondences, scale, res.Residual)
	return res, nil
}

// pairSet holds index-aligned correspondence data: points in each chunk's
// frame, their raw depths, and the pair weight.
type pairSet struct {
	p1, p2 []r3.Vector
	d1, d2 []float64
	w      []float64
}

func (rg *Registrar) collectPairs(prev, curr *InferenceResult, v int) (*pairSet, error) {
	prevLo := prev.Frames() - v

	// Pair validity floor: the smaller of the two overlaps' median
	// confidences, scaled down so only genuinely unreliable pixels drop.
	m1 := overlapMedianConf(prev, prevLo, prev.Frames())
	m2 := overlapMedianConf(curr, 0, v)
	floor := math.Min(m1, m2) * confThresholdRatio

	ps := &pairSet{}
	for f := 0; f < v; f++ {
		cm1, err := newCameraModel(prev.Intrinsics[prevLo+f], prev.Extrinsics[prevLo+f])
		if err != nil {
			return nil, fmt.Errorf("prev frame %d: %w", prevLo+f, err)
		}
		cm2, err := newCameraModel(curr.Intrinsics[f], curr.Extrinsics[f])
		if err != nil {
			return nil, fmt.Errorf("curr frame %d: %w", f, err)
		}
		dep1, conf1 := prev.Depth[prevLo+f], prev.Conf[prevLo+f]
		dep2, conf2 := curr.Depth[f], curr.Conf[f]
		for y := 0; y < prev.Height; y += registrationStride {
			row := y * prev.Width
			for x := 0; x < prev.Width; x += registrationStride {
				i := row + x
				w := math.Min(float64(conf1[i]), float64(conf2[i]))
				z1, z2 := float64(dep1[i]), float64(dep2[i])
				if w < floor || z1 <= 0 || z2 <= 0 {
					continue
				}
				ps.p1 = append(ps.p1, cm1.unproject(x, y, z1))
				ps.p2 = append(ps.p2, cm2.unproject(x, y, z2))
				ps.d1 = append(ps.d1, z1)
				ps.d2 = append(ps.d2, z2)
				ps.w = append(ps.w, w)
			}
		}
	}
	return ps, nil
}

func overlapMedianConf(res *InferenceResult, lo, hi int) float64 {
	vals := make([]float64, 0, (hi-lo)*res.Width*res.Height/(registrationStride*registrationStride))
	for f := lo; f < hi; f++ {
		conf := res.Conf[f]
		for i := 0; i < len(conf); i += registrationStride {
			vals = append(vals, float64(conf[i]))
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return stat.Quantile(0.5, stat.Empirical, vals, nil)
}

// solveWeightedProcrustes finds R, t minimizing sum w_i |p1_i - (s*R*p2_i + t)|^2
// with s held fixed. Scale folds into the target points, so the solve reduces
// to weighted Kabsch.
func solveWeightedProcrustes(p1, p2 []r3.Vector, w []float64, scale float64) (SimilarityTransform, error) {
	var wSum float64
	var c1, c2 r3.Vector
	for i := range p1 {
		wSum += w[i]
		c1 = c1.Add(p1[i].Mul(w[i]))
		c2 = c2.Add(p2[i].Mul(w[i]))
	}
	if wSum == 0 {
		return SimilarityTransform{}, fmt.Errorf("zero total correspondence weight")
	}
	c1 = c1.Mul(1 / wSum)
	c2 = c2.Mul(1 / wSum)

	h := mat.NewDense(3, 3, nil)
	for i := range p1 {
		q1 := p1[i].Sub(c1)
		q2 := p2[i].Sub(c2).Mul(scale)
		for r, a := range [3]float64{q2.X, q2.Y, q2.Z} {
			for c, b := range [3]float64{q1.X, q1.Y, q1.Z} {
				h.Set(r, c, h.At(r, c)+w[i]*a*b)
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return SimilarityTransform{}, fmt.Errorf("SVD of correspondence covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	// Reflection guard: a negative determinant means the least-squares
	// optimum is a mirror; flip the smallest singular direction.
	if mat.Det(&rot) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var fixed mat.Dense
		fixed.Mul(&v, d)
		rot.Mul(&fixed, u.T())
	}

	tf := SimilarityTransform{Scale: scale}
	copy(tf.Rotation[:], rot.RawMatrix().Data)
	tf.Translation = c1.Sub(tf.Apply(c2))
	return tf, nil
}

func weightedRMS(p1, p2 []r3.Vector, w []float64, tf SimilarityTransform) float64 {
	var sum, wSum float64
	for i := range p1 {
		d := p1[i].Sub(tf.Apply(p2[i]))
		sum += w[i] * d.Norm2()
		wSum += w[i]
	}
	if wSum == 0 {
		return 0
	}
	return math.Sqrt(sum / wSum)
}
