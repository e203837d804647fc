package coreg

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Coregistration is one subject session aligning digitized head points
// with an MRI head surface. It owns the similarity parameters, the outlier
// mask and the fitting modes.
//
// A Coregistration is not safe for concurrent use; use one instance per
// subject and serialize calls.
type Coregistration struct {
	log *zap.SugaredLogger

	headFids  map[FiducialID]Fiducial
	mriFids   map[FiducialID]Fiducial
	headShape []DigPoint
	surface   *Surface
	baseIndex *SurfaceIndex
	grown     *SurfaceIndex

	defaults   Parameters
	params     Parameters
	lastParams Parameters
	scaleMode  ScaleMode
	fidMatch   FidMatch
	growHair   float64 // meters
	omit       []bool  // true marks an omitted head-shape point; nil keeps all
}

func orNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}

// Option configures a Coregistration at construction.
type Option func(*Coregistration)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Coregistration) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDefaultParameters sets the parameters restored by Reset and used as
// the starting point.
func WithDefaultParameters(p Parameters) Option {
	return func(c *Coregistration) {
		c.defaults = p
	}
}

// WithScaleMode sets the initial scale mode.
func WithScaleMode(m ScaleMode) Option {
	return func(c *Coregistration) {
		c.scaleMode = m
	}
}

// WithFidMatch sets the initial fiducial matching mode.
func WithFidMatch(m FidMatch) Option {
	return func(c *Coregistration) {
		c.fidMatch = m
	}
}

// NewCoregistration creates a session. Digitized points must be in the head
// frame; the surface and MRI fiducials in the mri frame. mriFids may be
// empty when only ICP against the surface is wanted.
func NewCoregistration(dig *Digitization, head *Surface, mriFids []Fiducial, opts ...Option) (*Coregistration, error) {
	if dig == nil {
		return nil, errors.Wrap(ErrNoPoints, "no digitization")
	}
	if err := head.Validate(); err != nil {
		return nil, err
	}
	if head.Frame != FrameMRI {
		return nil, errors.Wrapf(ErrFrameMismatch, "head surface is in %s, expected mri", head.Frame)
	}

	c := &Coregistration{
		log:      zap.NewNop().Sugar(),
		headFids: dig.Fiducials(),
		mriFids:  make(map[FiducialID]Fiducial, len(mriFids)),
		surface:  head,
		defaults: DefaultParameters(),
		fidMatch: FidMatchNearest,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.defaults.Validate(); err != nil {
		return nil, errors.Wrap(err, "default parameters")
	}
	if err := c.checkModes(); err != nil {
		return nil, err
	}

	for _, f := range c.headFids {
		if f.Frame != FrameHead {
			return nil, errors.Wrapf(ErrFrameMismatch, "digitized %s is in %s, expected head", f.ID, f.Frame)
		}
	}
	for i, p := range dig.HeadShape() {
		if p.Frame != FrameHead {
			return nil, errors.Wrapf(ErrFrameMismatch, "head-shape point %d is in %s, expected head", i, p.Frame)
		}
		c.headShape = append(c.headShape, p)
	}
	for _, f := range mriFids {
		if f.Frame != FrameMRI {
			return nil, errors.Wrapf(ErrFrameMismatch, "mri %s is in %s, expected mri", f.ID, f.Frame)
		}
		c.mriFids[f.ID] = f
	}

	idx, err := NewSurfaceIndex(head)
	if err != nil {
		return nil, err
	}
	c.baseIndex = idx
	c.params = c.defaults
	c.lastParams = c.defaults

	c.log.Debugw("coregistration ready",
		"headShapePoints", len(c.headShape),
		"headFiducials", len(c.headFids),
		"mriFiducials", len(c.mriFids),
		"vertices", len(head.Vertices),
		"triangles", len(head.Triangles))
	return c, nil
}

func (c *Coregistration) checkModes() error {
	switch c.scaleMode {
	case ScaleNone, ScaleUniform, Scale3Axis:
	default:
		return errors.Wrapf(ErrInvalidParameter, "unknown scale mode %v", c.scaleMode)
	}
	switch c.fidMatch {
	case FidMatchNearest, FidMatchMatched:
	default:
		return errors.Wrapf(ErrInvalidParameter, "unknown fiducial match mode %v", c.fidMatch)
	}
	return nil
}

// SetRotation stores rotation angles in radians.
func (c *Coregistration) SetRotation(values []float64) error {
	v, err := vector3("rotation", values)
	if err != nil {
		return err
	}
	c.setParams(func(p *Parameters) { p.Rotation = v })
	return nil
}

// SetTranslation stores the translation in meters.
func (c *Coregistration) SetTranslation(values []float64) error {
	v, err := vector3("translation", values)
	if err != nil {
		return err
	}
	c.setParams(func(p *Parameters) { p.Translation = v })
	return nil
}

// SetScale stores scale factors. Under uniform mode the three values must
// be equal. Under none they are kept fixed by later fits.
func (c *Coregistration) SetScale(values []float64) error {
	v, err := vector3("scale", values)
	if err != nil {
		return err
	}
	for _, s := range v {
		if s <= 0 {
			return errors.Wrapf(ErrInvalidParameter, "scale factors must be positive, got %v", values)
		}
	}
	if c.scaleMode == ScaleUniform && (v[0] != v[1] || v[1] != v[2]) {
		return errors.Wrapf(ErrInvalidParameter, "scale mode uniform requires equal factors, got %v", values)
	}
	c.setParams(func(p *Parameters) { p.Scale = v })
	return nil
}

func (c *Coregistration) setParams(update func(*Parameters)) {
	next := c.params
	update(&next)
	c.lastParams = c.params
	c.params = next
}

// SetScaleMode changes how scale is treated. Switching to none resets the
// scale to ones; switching to uniform collapses it to the mean factor.
func (c *Coregistration) SetScaleMode(mode ScaleMode) error {
	switch mode {
	case ScaleNone:
		c.setParams(func(p *Parameters) { p.Scale = [3]float64{1, 1, 1} })
	case ScaleUniform:
		c.setParams(func(p *Parameters) {
			mean := (p.Scale[0] + p.Scale[1] + p.Scale[2]) / 3
			p.Scale = [3]float64{mean, mean, mean}
		})
	case Scale3Axis:
	default:
		return errors.Wrapf(ErrInvalidParameter, "unknown scale mode %v", mode)
	}
	c.scaleMode = mode
	return nil
}

// SetFidMatch selects fixed fiducial correspondence or nearest surface points.
func (c *Coregistration) SetFidMatch(mode FidMatch) error {
	switch mode {
	case FidMatchNearest, FidMatchMatched:
	default:
		return errors.Wrapf(ErrInvalidParameter, "unknown fiducial match mode %v", mode)
	}
	c.fidMatch = mode
	return nil
}

// SetGrowHair sets the outward offset, in millimeters, applied to the hair
// region of the MRI surface (vertices with z > y) before distances are
// computed.
func (c *Coregistration) SetGrowHair(mm float64) error {
	if math.IsNaN(mm) || math.IsInf(mm, 0) || mm < 0 {
		return errors.Wrapf(ErrInvalidParameter, "grow hair must be a finite non-negative distance, got %v", mm)
	}
	meters := mm * 1e-3
	if meters != c.growHair {
		c.growHair = meters
		c.grown = nil
	}
	return nil
}

func hairRegion(p Point) bool {
	return p.Z > p.Y
}

// surfaceIndex returns the index of the hair-grown surface, built lazily.
func (c *Coregistration) surfaceIndex() (*SurfaceIndex, error) {
	if c.growHair == 0 {
		return c.baseIndex, nil
	}
	if c.grown == nil {
		idx, err := NewSurfaceIndex(c.surface.Grow(c.growHair, hairRegion))
		if err != nil {
			return nil, err
		}
		c.grown = idx
		c.log.Debugw("grown surface indexed", "growHairMM", c.growHair*1e3)
	}
	return c.grown, nil
}

// OmitHeadShapePoints marks head-shape points farther than distance
// (meters) from the surface under the current parameters. The mask is
// computed over all head-shape points, replacing any previous mask. A
// non-positive distance clears the mask. It returns the number omitted.
func (c *Coregistration) OmitHeadShapePoints(distance float64) (int, error) {
	if math.IsNaN(distance) {
		return 0, errors.Wrap(ErrInvalidParameter, "omit distance is NaN")
	}
	if distance <= 0 {
		c.omit = nil
		c.log.Infow("head-shape filter cleared", "points", len(c.headShape))
		return 0, nil
	}
	idx, err := c.surfaceIndex()
	if err != nil {
		return 0, err
	}
	m := c.params.Matrix()
	mask := make([]bool, len(c.headShape))
	omitted := 0
	for i, p := range c.headShape {
		_, d := idx.NearestPoint(m.Apply(p.R))
		if d > distance {
			mask[i] = true
			omitted++
		}
	}
	c.omit = mask
	c.log.Infow("head-shape points omitted",
		"omitted", omitted,
		"kept", len(c.headShape)-omitted,
		"distanceMM", distance*1e3)
	return omitted, nil
}

// FiducialWeights weight each landmark in FitFiducials.
type FiducialWeights struct {
	LPA    float64 `json:"lpa" yaml:"lpa"`
	Nasion float64 `json:"nasion" yaml:"nasion"`
	RPA    float64 `json:"rpa" yaml:"rpa"`
}

// DefaultFiducialWeights emphasizes the nasion ten to one.
func DefaultFiducialWeights() FiducialWeights {
	return FiducialWeights{LPA: 1, Nasion: 10, RPA: 1}
}

func (w FiducialWeights) byID(id FiducialID) float64 {
	switch id {
	case LPA:
		return w.LPA
	case Nasion:
		return w.Nasion
	case RPA:
		return w.RPA
	}
	return 0
}

func checkWeight(name string, w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return errors.Wrapf(ErrInvalidParameter, "%s weight must be finite and non-negative, got %v", name, w)
	}
	return nil
}

// FitFiducials fits the head fiducials to the MRI fiducials (or to the
// surface points nearest them) with the current scale mode. Parameters are
// only updated when the fit succeeds.
func (c *Coregistration) FitFiducials(weights FiducialWeights) error {
	log := c.log.Named("fit")
	for _, id := range CardinalIDs {
		if err := checkWeight(id.String(), weights.byID(id)); err != nil {
			return err
		}
	}
	src := make([]Point, 0, 3)
	tgt := make([]Point, 0, 3)
	w := make([]float64, 0, 3)
	var idx *SurfaceIndex
	if c.fidMatch == FidMatchNearest {
		var err error
		if idx, err = c.surfaceIndex(); err != nil {
			return err
		}
	}
	for _, id := range CardinalIDs {
		head, ok := c.headFids[id]
		if !ok {
			return errors.Wrapf(ErrMissingFiducials, "digitization has no %s", id)
		}
		mri, ok := c.mriFids[id]
		if !ok {
			return errors.Wrapf(ErrMissingFiducials, "mri has no %s", id)
		}
		target := mri.R
		if idx != nil {
			target, _ = idx.NearestPoint(mri.R)
		}
		src = append(src, head.R)
		tgt = append(tgt, target)
		w = append(w, weights.byID(id))
	}

	next, err := fitParameters(src, tgt, FitOptions{
		Weights:   w,
		Translate: true,
		Scale:     c.scaleMode,
		HeldScale: c.params.Scale,
	})
	if err != nil {
		return errors.Wrap(err, "fit fiducials")
	}
	c.lastParams = c.params
	c.params = next
	log.Infow("fiducials fitted", "fidMatch", c.fidMatch, "scaleMode", c.scaleMode, "params", next.String())
	return nil
}

// ComputeDigMRIDistances returns the surface distance (meters) of every
// kept head-shape point under the current parameters, in point order.
func (c *Coregistration) ComputeDigMRIDistances() ([]float64, error) {
	idx, err := c.surfaceIndex()
	if err != nil {
		return nil, err
	}
	m := c.params.Matrix()
	var out []float64
	for i, p := range c.headShape {
		if c.omitted(i) {
			continue
		}
		_, d := idx.NearestPoint(m.Apply(p.R))
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrNoPoints, "no kept head-shape points")
	}
	return out, nil
}

func (c *Coregistration) omitted(i int) bool {
	return c.omit != nil && c.omit[i]
}

// DistanceSummary describes head-shape distances in millimeters.
type DistanceSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"meanMM"`
	Median float64 `json:"medianMM"`
	Min    float64 `json:"minMM"`
	Max    float64 `json:"maxMM"`
	StdDev float64 `json:"stdDevMM"`
}

// SummarizeDistances converts meters to millimeters and reports statistics.
func SummarizeDistances(meters []float64) DistanceSummary {
	if len(meters) == 0 {
		return DistanceSummary{}
	}
	mm := make([]float64, len(meters))
	for i, d := range meters {
		mm[i] = d * 1e3
	}
	sort.Float64s(mm)
	s := DistanceSummary{
		Count:  len(mm),
		Mean:   stat.Mean(mm, nil),
		Median: medianSorted(mm),
		Min:    mm[0],
		Max:    mm[len(mm)-1],
	}
	if len(mm) > 1 {
		s.StdDev = stat.StdDev(mm, nil)
	}
	return s
}

func medianSorted(x []float64) float64 {
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

// Summary reports the current head-shape distances.
func (c *Coregistration) Summary() (DistanceSummary, error) {
	d, err := c.ComputeDigMRIDistances()
	if err != nil {
		return DistanceSummary{}, err
	}
	return SummarizeDistances(d), nil
}

// Reset restores the default parameters. The omit mask is kept since it
// describes the digitization rather than the model.
func (c *Coregistration) Reset() {
	c.lastParams = c.params
	c.params = c.defaults
	c.log.Debugw("parameters reset", "params", c.params.String())
}

// Trans is the head->mri transform for the current parameters.
func (c *Coregistration) Trans() Transform {
	return c.params.Trans()
}

// Parameters returns the current parameters.
func (c *Coregistration) Parameters() Parameters { return c.params }

// LastParameters returns the parameters before the most recent change.
func (c *Coregistration) LastParameters() Parameters { return c.lastParams }

// DefaultParameters returns the parameters Reset restores.
func (c *Coregistration) DefaultParameters() Parameters { return c.defaults }

func (c *Coregistration) ScaleMode() ScaleMode { return c.scaleMode }

func (c *Coregistration) FidMatch() FidMatch { return c.fidMatch }

// GrowHair returns the hair offset in millimeters.
func (c *Coregistration) GrowHair() float64 { return c.growHair * 1e3 }

// OmitMask returns a copy of the omit mask, or nil when no filter is set.
func (c *Coregistration) OmitMask() []bool {
	if c.omit == nil {
		return nil
	}
	out := make([]bool, len(c.omit))
	copy(out, c.omit)
	return out
}

// HeadShape returns the head-shape points in head coordinates.
func (c *Coregistration) HeadShape() []DigPoint {
	out := make([]DigPoint, len(c.headShape))
	copy(out, c.headShape)
	return out
}

// TransformedHeadShape returns the kept head-shape points mapped into MRI
// coordinates with their surface distances.
func (c *Coregistration) TransformedHeadShape() ([]Point, []float64, error) {
	idx, err := c.surfaceIndex()
	if err != nil {
		return nil, nil, err
	}
	m := c.params.Matrix()
	var pts []Point
	var dists []float64
	for i, p := range c.headShape {
		if c.omitted(i) {
			continue
		}
		q := m.Apply(p.R)
		_, d := idx.NearestPoint(q)
		pts = append(pts, q)
		dists = append(dists, d)
	}
	return pts, dists, nil
}
