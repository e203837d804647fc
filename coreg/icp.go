package coreg

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ICPConfig holds configuration for FitICP.
// Weights are relative; a zero weight drops that category of points.
type ICPConfig struct {
	Iterations   int     // Number of rounds, always run in full
	NasionWeight float64 // Weight of the nasion fiducial
	LPAWeight    float64 // Weight of the left preauricular fiducial
	RPAWeight    float64 // Weight of the right preauricular fiducial
	HSPWeight    float64 // Weight of extra head-shape points
	EEGWeight    float64 // Weight of EEG electrode positions
	HPIWeight    float64 // Weight of HPI coil positions

	// Callback, when set, is called after every round.
	Callback func(step ICPStep)
}

// DefaultICPConfig returns 20 rounds with every point weighted equally.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		Iterations:   20,
		NasionWeight: 1,
		LPAWeight:    1,
		RPAWeight:    1,
		HSPWeight:    1,
		EEGWeight:    1,
		HPIWeight:    1,
	}
}

// Validate checks the round count and weights.
func (cfg ICPConfig) Validate() error {
	if cfg.Iterations < 1 {
		return errors.Wrapf(ErrInvalidParameter, "iterations must be at least 1, got %d", cfg.Iterations)
	}
	for name, w := range map[string]float64{
		"nasion": cfg.NasionWeight,
		"lpa":    cfg.LPAWeight,
		"rpa":    cfg.RPAWeight,
		"hsp":    cfg.HSPWeight,
		"eeg":    cfg.EEGWeight,
		"hpi":    cfg.HPIWeight,
	} {
		if err := checkWeight(name, w); err != nil {
			return err
		}
	}
	return nil
}

func (cfg ICPConfig) fiducialWeight(id FiducialID) float64 {
	switch id {
	case LPA:
		return cfg.LPAWeight
	case Nasion:
		return cfg.NasionWeight
	case RPA:
		return cfg.RPAWeight
	}
	return 0
}

func (cfg ICPConfig) pointWeight(kind DigKind) float64 {
	switch kind {
	case DigHPI:
		return cfg.HPIWeight
	case DigEEG:
		return cfg.EEGWeight
	case DigExtra:
		return cfg.HSPWeight
	}
	return 0
}

// ICPStep describes the head-shape fit after one round. Distances are meters.
type ICPStep struct {
	Iteration      int        `json:"iteration"`
	MeanDistance   float64    `json:"meanDistance"`
	MedianDistance float64    `json:"medianDistance"`
	Parameters     Parameters `json:"parameters"`
}

// ICPResult contains the outcome of FitICP.
type ICPResult struct {
	Iterations int        `json:"iterations"`
	Parameters Parameters `json:"parameters"`
	History    []ICPStep  `json:"history"`
}

// icpFiducial is a head fiducial taking part in ICP. A nil target means the
// target is the nearest surface point to the transformed fiducial.
type icpFiducial struct {
	id     FiducialID
	head   Point
	target *Point
	weight float64
}

// FitICP refines the parameters by iterative closest point against the
// hair-grown MRI surface. Each round maps the kept head-shape points (and
// weighted fiducials) with the current parameters, pairs them with their
// nearest surface points and refits from scratch. There is no convergence
// test; exactly cfg.Iterations rounds run. On error the parameters are
// left untouched.
func (c *Coregistration) FitICP(cfg ICPConfig) (ICPResult, error) {
	log := c.log.Named("icp")
	if err := cfg.Validate(); err != nil {
		return ICPResult{}, err
	}

	var src []Point
	var weights []float64
	for i, p := range c.headShape {
		if c.omitted(i) {
			continue
		}
		w := cfg.pointWeight(p.Kind)
		if w == 0 {
			continue
		}
		src = append(src, p.R)
		weights = append(weights, w)
	}
	nShape := len(src)
	if nShape == 0 {
		return ICPResult{}, errors.Wrapf(ErrNoPoints, "none of %d head-shape points are usable", len(c.headShape))
	}

	var fids []icpFiducial
	for _, id := range CardinalIDs {
		w := cfg.fiducialWeight(id)
		head, ok := c.headFids[id]
		if w == 0 || !ok {
			continue
		}
		f := icpFiducial{id: id, head: head.R, weight: w}
		if c.fidMatch == FidMatchMatched {
			mri, ok := c.mriFids[id]
			if !ok {
				return ICPResult{}, errors.Wrapf(ErrMissingFiducials, "matched fiducials need mri %s", id)
			}
			target := mri.R
			f.target = &target
		}
		fids = append(fids, f)
	}
	for _, f := range fids {
		src = append(src, f.head)
		weights = append(weights, f.weight)
	}

	idx, err := c.surfaceIndex()
	if err != nil {
		return ICPResult{}, err
	}

	params := c.params
	result := ICPResult{History: make([]ICPStep, 0, cfg.Iterations)}
	tgt := make([]Point, len(src))
	for iter := 0; iter < cfg.Iterations; iter++ {
		m := params.Matrix()
		for i := 0; i < nShape; i++ {
			tgt[i], _ = idx.NearestPoint(m.Apply(src[i]))
		}
		for j, f := range fids {
			if f.target != nil {
				tgt[nShape+j] = *f.target
			} else {
				tgt[nShape+j], _ = idx.NearestPoint(m.Apply(f.head))
			}
		}

		next, err := fitParameters(src, tgt, FitOptions{
			Weights:   weights,
			Translate: true,
			Scale:     c.scaleMode,
			HeldScale: params.Scale,
		})
		if err != nil {
			return ICPResult{}, errors.Wrapf(err, "icp round %d", iter+1)
		}
		params = next

		step := c.icpStep(idx, src[:nShape], params, iter+1)
		result.History = append(result.History, step)
		log.Debugw("icp round",
			"iteration", step.Iteration,
			"meanMM", step.MeanDistance*1e3,
			"medianMM", step.MedianDistance*1e3)
		if cfg.Callback != nil {
			cfg.Callback(step)
		}
	}

	result.Iterations = cfg.Iterations
	result.Parameters = params
	c.lastParams = c.params
	c.params = params

	last := result.History[len(result.History)-1]
	log.Infow("icp finished",
		"iterations", result.Iterations,
		"points", nShape,
		"fiducials", len(fids),
		"medianMM", last.MedianDistance*1e3,
		"params", params.String())
	return result, nil
}

func (c *Coregistration) icpStep(idx *SurfaceIndex, shape []Point, params Parameters, iteration int) ICPStep {
	m := params.Matrix()
	dists := make([]float64, len(shape))
	for i, p := range shape {
		_, dists[i] = idx.NearestPoint(m.Apply(p))
	}
	sort.Float64s(dists)
	return ICPStep{
		Iteration:      iteration,
		MeanDistance:   stat.Mean(dists, nil),
		MedianDistance: medianSorted(dists),
		Parameters:     params,
	}
}
