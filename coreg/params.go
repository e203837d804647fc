package coreg

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Parameters is the 9-scalar similarity model: rotation angles in radians
// (applied as Rx·Ry·Rz), translation in meters and per-axis scale.
// The derived matrix is T · R · S, so scale acts in head coordinates.
type Parameters struct {
	Rotation    [3]float64 `json:"rotation" yaml:"rotation"`
	Translation [3]float64 `json:"translation" yaml:"translation"`
	Scale       [3]float64 `json:"scale" yaml:"scale"`
}

// DefaultParameters is the identity: no rotation, no translation, unit scale.
func DefaultParameters() Parameters {
	return Parameters{Scale: [3]float64{1, 1, 1}}
}

// Matrix builds the homogeneous matrix for p.
func (p Parameters) Matrix() Mat4 {
	r := RotationMatrix(p.Rotation[0], p.Rotation[1], p.Rotation[2])
	s := ScalingMatrix(p.Scale[0], p.Scale[1], p.Scale[2])
	m := r.Mul(s)
	m[0][3], m[1][3], m[2][3] = p.Translation[0], p.Translation[1], p.Translation[2]
	return m
}

// Trans returns the head->mri transform for p.
func (p Parameters) Trans() Transform {
	return Transform{From: FrameHead, To: FrameMRI, M: p.Matrix()}
}

// Validate checks every entry is finite and every scale factor positive.
func (p Parameters) Validate() error {
	for _, v := range [][3]float64{p.Rotation, p.Translation, p.Scale} {
		if !finite3(v) {
			return errors.Wrapf(ErrInvalidParameter, "non-finite parameter in %v", p)
		}
	}
	for _, s := range p.Scale {
		if s <= 0 {
			return errors.Wrapf(ErrInvalidParameter, "scale factors must be positive, got %v", p.Scale)
		}
	}
	return nil
}

// UniformScale reports whether all three scale factors are equal.
func (p Parameters) UniformScale() bool {
	return p.Scale[0] == p.Scale[1] && p.Scale[1] == p.Scale[2]
}

func (p Parameters) String() string {
	return fmt.Sprintf("rot=[%.4f %.4f %.4f] trans=[%.4f %.4f %.4f] scale=[%.4f %.4f %.4f]",
		p.Rotation[0], p.Rotation[1], p.Rotation[2],
		p.Translation[0], p.Translation[1], p.Translation[2],
		p.Scale[0], p.Scale[1], p.Scale[2])
}

func finite3(v [3]float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// vector3 checks a caller-supplied slice is a finite 3-vector.
func vector3(name string, values []float64) ([3]float64, error) {
	var out [3]float64
	if len(values) != 3 {
		return out, errors.Wrapf(ErrInvalidParameter, "%s needs 3 values, got %d", name, len(values))
	}
	copy(out[:], values)
	if !finite3(out) {
		return out, errors.Wrapf(ErrInvalidParameter, "%s must be finite, got %v", name, values)
	}
	return out, nil
}
