package coreg

import (
	"github.com/pkg/errors"
)

// MNI-space fiducial locations of the fsaverage template, in millimeters.
var mniFiducialsMM = map[FiducialID][3]float64{
	LPA:    {-80.61612, -29.08875, -41.31077},
	Nasion: {1.46763, 85.06715, -34.83611},
	RPA:    {84.36285, -28.50276, -41.27743},
}

// MNIFiducials returns the template fiducials in meters, frame mni_tal.
func MNIFiducials() []Fiducial {
	out := make([]Fiducial, 0, len(CardinalIDs))
	for _, id := range CardinalIDs {
		mm := mniFiducialsMM[id]
		out = append(out, Fiducial{
			ID:    id,
			R:     Point{X: mm[0], Y: mm[1], Z: mm[2]}.Mul(1e-3),
			Frame: FrameMNITal,
		})
	}
	return out
}

// Normalization maps MNI-space points into a subject's MRI space.
// Implementations may be nonlinear.
type Normalization interface {
	FromMNI(points []Point) ([]Point, error)
}

// AffineNormalization is a talairach-style linear normalization given as
// the subject mri -> mni_tal transform.
type AffineNormalization struct {
	MRIToMNI Transform
}

// FromMNI applies the inverse of MRIToMNI.
func (n AffineNormalization) FromMNI(points []Point) ([]Point, error) {
	if n.MRIToMNI.From != FrameMRI || n.MRIToMNI.To != FrameMNITal {
		return nil, errors.Wrapf(ErrFrameMismatch, "normalization must map mri->mni_tal, got %s->%s",
			n.MRIToMNI.From, n.MRIToMNI.To)
	}
	inv, err := n.MRIToMNI.Invert()
	if err != nil {
		return nil, err
	}
	return inv.Apply(points), nil
}

// EstimateMNIFiducials places the template fiducials in subject MRI space.
func EstimateMNIFiducials(norm Normalization) ([]Fiducial, error) {
	if norm == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "no normalization provided")
	}
	template := MNIFiducials()
	points := make([]Point, len(template))
	for i, f := range template {
		points[i] = f.R
	}
	mapped, err := norm.FromMNI(points)
	if err != nil {
		return nil, errors.Wrap(err, "normalize template fiducials")
	}
	if len(mapped) != len(template) {
		return nil, errors.Wrapf(ErrInvalidParameter, "normalization returned %d points for %d fiducials", len(mapped), len(template))
	}
	out := make([]Fiducial, len(template))
	for i, f := range template {
		if !finite3([3]float64{mapped[i].X, mapped[i].Y, mapped[i].Z}) {
			return nil, errors.Wrapf(ErrInvalidParameter, "normalization produced non-finite %s", f.ID)
		}
		out[i] = Fiducial{ID: f.ID, R: mapped[i], Frame: FrameMRI}
	}
	return out, nil
}
