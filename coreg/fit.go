package coreg

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// axisScaleRounds is the fixed number of scale/rotation alternations used
// for 3-axis scaling. The loop has no convergence test so results are
// reproducible.
const axisScaleRounds = 25

// rankEpsilon is the relative singular value below which the
// cross-covariance is treated as rank deficient.
const rankEpsilon = 1e-10

// FitOptions controls FitMatchedPoints.
type FitOptions struct {
	Weights   []float64  // Per-point weights, nil means all 1
	Translate bool       // Solve for translation; otherwise it is fixed at zero
	Scale     ScaleMode  // Scale factors to estimate
	Tolerance float64    // Max allowed residual distance, 0 disables the check
	HeldScale [3]float64 // Scale kept where it is not estimated; zero entries mean 1
	From      CoordFrame // Frame tag of the source points
	To        CoordFrame // Frame tag of the target points
}

// DefaultFitOptions returns a rigid head->mri fit with translation.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		Translate: true,
		Scale:     ScaleNone,
		From:      FrameHead,
		To:        FrameMRI,
	}
}

// Validate checks option values independent of the point sets.
func (o FitOptions) Validate() error {
	if math.IsNaN(o.Tolerance) || math.IsInf(o.Tolerance, 0) || o.Tolerance < 0 {
		return errors.Wrapf(ErrInvalidParameter, "tolerance must be a finite non-negative distance, got %v", o.Tolerance)
	}
	switch o.Scale {
	case ScaleNone, ScaleUniform, Scale3Axis:
	default:
		return errors.Wrapf(ErrInvalidParameter, "unknown scale mode %v", o.Scale)
	}
	for i, w := range o.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return errors.Wrapf(ErrInvalidParameter, "weight %d must be finite and non-negative, got %v", i, w)
		}
	}
	return nil
}

// FitMatchedPoints finds the similarity transform that maps src[i] onto
// tgt[i] with the least weighted squared error.
//
// The result applies p' = T + R·S·p. Rotation comes from the SVD of the
// weighted cross-covariance with reflections removed; scale is either fixed,
// a single Umeyama ratio, or per-axis factors alternated with rotation.
func FitMatchedPoints(src, tgt []Point, opts FitOptions) (Transform, error) {
	params, err := fitParameters(src, tgt, opts)
	if err != nil {
		return Transform{}, err
	}
	return Transform{From: opts.From, To: opts.To, M: params.Matrix()}, nil
}

// fitParameters is FitMatchedPoints returning the parameter vector.
func fitParameters(src, tgt []Point, opts FitOptions) (Parameters, error) {
	if err := opts.Validate(); err != nil {
		return Parameters{}, err
	}
	if len(src) != len(tgt) {
		return Parameters{}, errors.Wrapf(ErrInsufficientPoints, "source has %d points, target has %d", len(src), len(tgt))
	}
	if len(src) < 3 {
		return Parameters{}, errors.Wrapf(ErrInsufficientPoints, "need at least 3 point pairs, got %d", len(src))
	}
	weights := opts.Weights
	if weights == nil {
		weights = make([]float64, len(src))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(src) {
		return Parameters{}, errors.Wrapf(ErrInvalidParameter, "got %d weights for %d points", len(weights), len(src))
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return Parameters{}, errors.Wrap(ErrInsufficientPoints, "all weights are zero")
	}

	// Center both sets; without translation the origin is the fixed point.
	var srcCentroid, tgtCentroid Point
	if opts.Translate {
		srcCentroid = weightedCentroid(src, weights, total)
		tgtCentroid = weightedCentroid(tgt, weights, total)
	}
	xc := make([]Point, len(src))
	yc := make([]Point, len(tgt))
	for i := range src {
		xc[i] = src[i].Sub(srcCentroid)
		yc[i] = tgt[i].Sub(tgtCentroid)
	}

	held := opts.heldScale()
	if opts.Scale == ScaleNone {
		for i, x := range xc {
			xc[i] = Point{X: x.X * held[0], Y: x.Y * held[1], Z: x.Z * held[2]}
		}
	}

	rot, trace, err := procrustes(xc, yc, weights)
	if err != nil {
		return Parameters{}, err
	}

	scale := held
	switch opts.Scale {
	case ScaleUniform:
		var spread float64
		for i, x := range xc {
			spread += weights[i] * x.Norm2()
		}
		s := trace / spread
		if !(s > 0) || math.IsInf(s, 0) {
			return Parameters{}, errors.Wrapf(ErrInsufficientPoints, "degenerate uniform scale %v", s)
		}
		scale = [3]float64{s, s, s}
	case Scale3Axis:
		rot, scale, err = fitAxisScale(xc, yc, weights, rot, held)
		if err != nil {
			return Parameters{}, err
		}
	}

	linear := rot.Mul(ScalingMatrix(scale[0], scale[1], scale[2]))
	var translation Point
	if opts.Translate {
		translation = tgtCentroid.Sub(linear.ApplyLinear(srcCentroid))
	}

	ax, ay, az := RotationAngles(rot)
	params := Parameters{
		Rotation:    [3]float64{ax, ay, az},
		Translation: [3]float64{translation.X, translation.Y, translation.Z},
		Scale:       scale,
	}

	if opts.Tolerance > 0 {
		m := params.Matrix()
		residuals := make([]float64, len(src))
		for i := range src {
			residuals[i] = m.Apply(src[i]).Sub(tgt[i]).Norm()
		}
		if worst := floats.Max(residuals); worst > opts.Tolerance {
			return Parameters{}, errors.Wrapf(ErrToleranceExceeded,
				"max residual %.6g exceeds tolerance %.6g (point %d)", worst, opts.Tolerance, floats.MaxIdx(residuals))
		}
	}
	return params, nil
}

func (o FitOptions) heldScale() [3]float64 {
	held := o.HeldScale
	for k, v := range held {
		if v == 0 {
			held[k] = 1
		}
	}
	return held
}

func weightedCentroid(points []Point, weights []float64, total float64) Point {
	var c Point
	for i, p := range points {
		c = c.Add(p.Mul(weights[i]))
	}
	return c.Mul(1 / total)
}

// procrustes returns the proper rotation R minimizing Σw|R·x - y|² over
// centered pairs, and trace(Σ·D) for the Umeyama scale estimate.
func procrustes(xc, yc []Point, weights []float64) (Mat4, float64, error) {
	h := mat.NewDense(3, 3, nil)
	for i := range xc {
		x := [3]float64{xc[i].X, xc[i].Y, xc[i].Z}
		y := [3]float64{yc[i].X, yc[i].Y, yc[i].Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+weights[i]*x[r]*y[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Mat4{}, 0, errors.Wrap(ErrInsufficientPoints, "cross-covariance SVD failed")
	}
	values := svd.Values(nil)
	if !(values[0] > 0) || values[1] <= rankEpsilon*values[0] {
		return Mat4{}, 0, errors.Wrapf(ErrInsufficientPoints, "points are collinear or coincident (singular values %v)", values)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	sign := 1.0
	if mat.Det(&r) < 0 {
		// flip the axis of the smallest singular value to remove the reflection
		sign = -1
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	rot := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = r.At(i, j)
		}
	}
	return rot, values[0] + values[1] + sign*values[2], nil
}

// fitAxisScale alternates a per-axis least-squares scale (with rotation
// held) and a Procrustes rotation of the scaled source (with scale held).
// An axis along which the source has no spread, such as z for fiducials
// in the head frame, keeps its held scale.
func fitAxisScale(xc, yc []Point, weights []float64, rot Mat4, held [3]float64) (Mat4, [3]float64, error) {
	scale := held
	var spread [3]float64
	for i, x := range xc {
		spread[0] += weights[i] * x.X * x.X
		spread[1] += weights[i] * x.Y * x.Y
		spread[2] += weights[i] * x.Z * x.Z
	}
	maxSpread := math.Max(spread[0], math.Max(spread[1], spread[2]))
	if !(maxSpread > 0) {
		return Mat4{}, scale, errors.Wrap(ErrInsufficientPoints, "no spread for 3-axis scaling")
	}
	var fitted [3]bool
	for k := range spread {
		fitted[k] = spread[k] > rankEpsilon*maxSpread
	}

	scaled := make([]Point, len(xc))
	for round := 0; round < axisScaleRounds; round++ {
		inv := transpose3(rot)
		var proj [3]float64
		for i := range xc {
			z := inv.ApplyLinear(yc[i])
			proj[0] += weights[i] * xc[i].X * z.X
			proj[1] += weights[i] * xc[i].Y * z.Y
			proj[2] += weights[i] * xc[i].Z * z.Z
		}
		for k := 0; k < 3; k++ {
			if !fitted[k] {
				continue
			}
			scale[k] = proj[k] / spread[k]
			if !(scale[k] > 0) {
				return Mat4{}, scale, errors.Wrapf(ErrInsufficientPoints, "degenerate scale %v along axis %d", scale[k], k)
			}
		}

		for i, x := range xc {
			scaled[i] = Point{X: x.X * scale[0], Y: x.Y * scale[1], Z: x.Z * scale[2]}
		}
		var err error
		rot, _, err = procrustes(scaled, yc, weights)
		if err != nil {
			return Mat4{}, scale, err
		}
	}
	return rot, scale, nil
}

func transpose3(m Mat4) Mat4 {
	out := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// CoregisterFiducials rigidly aligns head fiducials to MRI fiducials,
// pairing them by identity.
func CoregisterFiducials(head, mri []Fiducial) (Transform, error) {
	src, from, err := cardinalPoints(head)
	if err != nil {
		return Transform{}, errors.Wrap(err, "head fiducials")
	}
	tgt, to, err := cardinalPoints(mri)
	if err != nil {
		return Transform{}, errors.Wrap(err, "mri fiducials")
	}
	opts := DefaultFitOptions()
	opts.From, opts.To = from, to
	return FitMatchedPoints(src, tgt, opts)
}

// cardinalPoints orders fiducials as LPA, nasion, RPA and checks they
// share a frame.
func cardinalPoints(fids []Fiducial) ([]Point, CoordFrame, error) {
	byID := make(map[FiducialID]Fiducial, len(fids))
	for _, f := range fids {
		byID[f.ID] = f
	}
	points := make([]Point, 0, len(CardinalIDs))
	frame := FrameUnknown
	for i, id := range CardinalIDs {
		f, ok := byID[id]
		if !ok {
			return nil, FrameUnknown, errors.Wrapf(ErrMissingFiducials, "no %s", id)
		}
		if i == 0 {
			frame = f.Frame
		} else if f.Frame != frame {
			return nil, FrameUnknown, errors.Wrapf(ErrFrameMismatch, "%s is in %s, expected %s", id, f.Frame, frame)
		}
		points = append(points, f.R)
	}
	return points, frame, nil
}
