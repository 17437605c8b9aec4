package mapper

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// cameraModel is the pre-inverted projection state for one frame: the
// inverse intrinsics for ray casting and the camera-to-world pose for
// lifting rays into the chunk frame.
type cameraModel struct {
	invK [9]float64  // inverse 3x3 intrinsics, row-major
	rot  [9]float64  // camera-to-world rotation, row-major
	pos  r3.Vector   // camera center in chunk frame
}

// newCameraModel inverts the pinhole intrinsics and the world-to-camera
// extrinsics for one frame.
func newCameraModel(intr [9]float64, extr [12]float64) (*cameraModel, error) {
	var cm cameraModel

	k := mat.NewDense(3, 3, intr[:])
	var invK mat.Dense
	if err := invK.Inverse(k); err != nil {
		return nil, fmt.Errorf("singular intrinsics: %w", err)
	}
	copy(cm.invK[:], invK.RawMatrix().Data)

	// Rigid inverse of [R|t]: rotation transposes, center is -R'*t.
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			cm.rot[r*3+c] = extr[c*4+r]
		}
	}
	t := r3.Vector{X: extr[3], Y: extr[7], Z: extr[11]}
	cm.pos = r3.Vector{
		X: -(cm.rot[0]*t.X + cm.rot[1]*t.Y + cm.rot[2]*t.Z),
		Y: -(cm.rot[3]*t.X + cm.rot[4]*t.Y + cm.rot[5]*t.Z),
		Z: -(cm.rot[6]*t.X + cm.rot[7]*t.Y + cm.rot[8]*t.Z),
	}
	return &cm, nil
}

// unproject lifts pixel (u, v) at the given depth into the chunk frame.
func (cm *cameraModel) unproject(u, v int, depth float64) r3.Vector {
	fu, fv := float64(u), float64(v)
	rx := cm.invK[0]*fu + cm.invK[1]*fv + cm.invK[2]
	ry := cm.invK[3]*fu + cm.invK[4]*fv + cm.invK[5]
	rz := cm.invK[6]*fu + cm.invK[7]*fv + cm.invK[8]
	cam := r3.Vector{X: rx * depth, Y: ry * depth, Z: rz * depth}
	return r3.Vector{
		X: cm.rot[0]*cam.X + cm.rot[1]*cam.Y + cm.rot[2]*cam.Z + cm.pos.X,
		Y: cm.rot[3]*cam.X + cm.rot[4]*cam.Y + cm.rot[5]*cam.Z + cm.pos.Y,
		Z: cm.rot[6]*cam.X + cm.rot[7]*cam.Y + cm.rot[8]*cam.Z + cm.pos.Z,
	}
}

// meanConf averages the confidence maps of frames [lo, hi).
func meanConf(res *InferenceResult, lo, hi int) float64 {
	var sum float64
	var n int
	for f := lo; f < hi; f++ {
		for _, c := range res.Conf[f] {
			sum += float64(c)
		}
		n += len(res.Conf[f])
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
