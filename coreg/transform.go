package coreg

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Mat4 is a row-major 4x4 homogeneous matrix.
// x' = M[0][0]*x + M[0][1]*y + M[0][2]*z + M[0][3], and so on.
type Mat4 [4][4]float64

// Identity4 returns the identity matrix.
func Identity4() Mat4 {
	return Mat4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Mul returns m @ n. Applying the result is equivalent to applying n first, then m.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[i][k] * n[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Apply maps a point through the affine part of m.
func (m Mat4) Apply(p Point) Point {
	return Point{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// ApplyLinear maps a direction through the 3x3 block only.
func (m Mat4) ApplyLinear(v Point) Point {
	return Point{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

func (m Mat4) finite() bool {
	for i := range m {
		for j := range m[i] {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return false
			}
		}
	}
	return true
}

// TranslationMatrix creates a translation-only matrix.
func TranslationMatrix(x, y, z float64) Mat4 {
	m := Identity4()
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

// ScalingMatrix creates a per-axis scaling matrix.
func ScalingMatrix(x, y, z float64) Mat4 {
	m := Identity4()
	m[0][0], m[1][1], m[2][2] = x, y, z
	return m
}

// RotationMatrix creates Rx(x) @ Ry(y) @ Rz(z), angles in radians.
func RotationMatrix(x, y, z float64) Mat4 {
	cx, sx := math.Cos(x), math.Sin(x)
	cy, sy := math.Cos(y), math.Sin(y)
	cz, sz := math.Cos(z), math.Sin(z)
	return Mat4{
		{cy * cz, -cy * sz, sy, 0},
		{cx*sz + cz*sx*sy, cx*cz - sx*sy*sz, -cy * sx, 0},
		{sx*sz - cx*cz*sy, cz*sx + cx*sy*sz, cx * cy, 0},
		{0, 0, 0, 1},
	}
}

// RotationAngles recovers the (x, y, z) angles of a pure rotation built by RotationMatrix.
func RotationAngles(m Mat4) (x, y, z float64) {
	sy := math.Max(-1, math.Min(1, m[0][2]))
	y = math.Asin(sy)
	if math.Abs(math.Cos(y)) > 1e-12 {
		x = math.Atan2(-m[1][2], m[2][2])
		z = math.Atan2(-m[0][1], m[0][0])
		return x, y, z
	}
	// gimbal lock: fold the whole rotation into x
	x = math.Atan2(m[2][1], m[1][1])
	return x, y, 0
}

// Transform maps points from one named frame to another. It is an immutable value.
type Transform struct {
	From CoordFrame
	To   CoordFrame
	M    Mat4
}

// NewTransform validates m and tags it with frames.
func NewTransform(from, to CoordFrame, m Mat4) (Transform, error) {
	if !m.finite() {
		return Transform{}, errors.Wrap(ErrInvalidParameter, "transform matrix has non-finite entries")
	}
	if m[3][0] != 0 || m[3][1] != 0 || m[3][2] != 0 || m[3][3] != 1 {
		return Transform{}, errors.Wrapf(ErrInvalidParameter, "transform last row must be [0 0 0 1], got %v", m[3])
	}
	return Transform{From: from, To: to, M: m}, nil
}

// IdentityTransform returns the identity between two frames.
func IdentityTransform(from, to CoordFrame) Transform {
	return Transform{From: from, To: to, M: Identity4()}
}

// Compose returns the transform applying t1 then t2.
func Compose(t1, t2 Transform) (Transform, error) {
	if t1.To != t2.From {
		return Transform{}, errors.Wrapf(ErrFrameMismatch, "cannot compose %s->%s with %s->%s",
			t1.From, t1.To, t2.From, t2.To)
	}
	return Transform{From: t1.From, To: t2.To, M: t2.M.Mul(t1.M)}, nil
}

// Invert returns the inverse transform with swapped frames.
func (t Transform) Invert() (Transform, error) {
	a := mat.NewDense(3, 3, []float64{
		t.M[0][0], t.M[0][1], t.M[0][2],
		t.M[1][0], t.M[1][1], t.M[1][2],
		t.M[2][0], t.M[2][1], t.M[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Transform{}, errors.Wrapf(ErrInvalidParameter, "transform %s->%s is not invertible: %v", t.From, t.To, err)
	}
	var out Mat4
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	tr := Point{X: t.M[0][3], Y: t.M[1][3], Z: t.M[2][3]}
	corr := out.ApplyLinear(tr)
	out[0][3], out[1][3], out[2][3] = -corr.X, -corr.Y, -corr.Z
	out[3][3] = 1
	return Transform{From: t.To, To: t.From, M: out}, nil
}

// ApplyPoint maps a single point.
func (t Transform) ApplyPoint(p Point) Point {
	return t.M.Apply(p)
}

// Apply maps a point set, returning a new slice of the same length.
func (t Transform) Apply(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = t.M.Apply(p)
	}
	return out
}

// Translation returns the translation column.
func (t Transform) Translation() Point {
	return Point{X: t.M[0][3], Y: t.M[1][3], Z: t.M[2][3]}
}

type transformJSON struct {
	From   CoordFrame     `json:"from"`
	To     CoordFrame     `json:"to"`
	Matrix [4][4]float64 `json:"matrix"`
}

func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(transformJSON{From: t.From, To: t.To, Matrix: t.M})
}

func (t *Transform) UnmarshalJSON(data []byte) error {
	var raw transformJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewTransform(raw.From, raw.To, Mat4(raw.Matrix))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
