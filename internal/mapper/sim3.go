package mapper

import "github.com/golang/geo/r3"

// SimilarityTransform is a SIM(3) transform p' = s*R*p + t with row-major
// rotation. The zero value is not valid; use IdentityTransform.
type SimilarityTransform struct {
	Scale       float64
	Rotation    [9]float64
	Translation r3.Vector
}

// IdentityTransform returns the identity similarity transform.
func IdentityTransform() SimilarityTransform {
	return SimilarityTransform{
		Scale:    1,
		Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// Apply maps a point through the transform.
func (t SimilarityTransform) Apply(p r3.Vector) r3.Vector {
	r := t.Rotation
	return r3.Vector{
		X: t.Scale*(r[0]*p.X+r[1]*p.Y+r[2]*p.Z) + t.Translation.X,
		Y: t.Scale*(r[3]*p.X+r[4]*p.Y+r[5]*p.Z) + t.Translation.Y,
		Z: t.Scale*(r[6]*p.X+r[7]*p.Y+r[8]*p.Z) + t.Translation.Z,
	}
}

// Compose returns the transform equivalent to applying u first, then t:
// (t.Compose(u)).Apply(p) == t.Apply(u.Apply(p)).
func (t SimilarityTransform) Compose(u SimilarityTransform) SimilarityTransform {
	var rot [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot[r*3+c] = t.Rotation[r*3+0]*u.Rotation[0*3+c] +
				t.Rotation[r*3+1]*u.Rotation[1*3+c] +
				t.Rotation[r*3+2]*u.Rotation[2*3+c]
		}
	}
	return SimilarityTransform{
		Scale:       t.Scale * u.Scale,
		Rotation:    rot,
		Translation: t.Apply(u.Translation),
	}
}

// AccumulateTransforms folds relative chunk-to-chunk transforms into
// cumulative chunk-to-world transforms. rel[i] maps chunk i+1's frame into
// chunk i's frame; the result has one entry per chunk, with entry 0 the
// identity.
func AccumulateTransforms(rel []SimilarityTransform) []SimilarityTransform {
	acc := make([]SimilarityTransform, len(rel)+1)
	acc[0] = IdentityTransform()
	for i, r := range rel {
		acc[i+1] = acc[i].Compose(r)
	}
	return acc
}
