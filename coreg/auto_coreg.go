package coreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubjectInputs is the MRI side of a subject: its head surface and the
// MRI fiducials, either read from disk or estimated from MNI.
type SubjectInputs struct {
	Surface      *Surface
	MRIFiducials []Fiducial
}

// LoadSubjectInputs reads the surface and fiducials named by sc. With
// estimateFiducials the fiducials come from the talairach transform.
func LoadSubjectInputs(sc SubjectConfig) (SubjectInputs, error) {
	surface, err := ParseSurfaceFile(sc.Surface)
	if err != nil {
		return SubjectInputs{}, fmt.Errorf("subject %s: %w", sc.ID, err)
	}

	var fids []Fiducial
	if sc.Fiducials != "" {
		fids, err = ParseFiducialsFile(sc.Fiducials)
	} else if sc.EstimateFiducials {
		fids, err = estimateFromTalairach(sc.Talairach)
	} else {
		err = errors.Wrap(ErrMissingFiducials, "no fiducials file and estimateFiducials is off")
	}
	if err != nil {
		return SubjectInputs{}, fmt.Errorf("subject %s: %w", sc.ID, err)
	}
	return SubjectInputs{Surface: surface, MRIFiducials: fids}, nil
}

func estimateFromTalairach(path string) ([]Fiducial, error) {
	t, err := ParseTransformFile(path)
	if err != nil {
		return nil, err
	}
	return EstimateMNIFiducials(AffineNormalization{MRIToMNI: t})
}

// RunPipeline fits dig to the subject: fiducials first, then ICP, then,
// when cfg.OmitDistance is set, outlier rejection and a second ICP pass.
// The returned controller holds the final state.
func RunPipeline(dig *Digitization, in SubjectInputs, cfg CoregConfig, log *zap.SugaredLogger) (*Coregistration, SubjectResult, error) {
	log = orNop(log)
	opts := append(cfg.Options(), WithLogger(log))
	c, err := NewCoregistration(dig, in.Surface, in.MRIFiducials, opts...)
	if err != nil {
		return nil, SubjectResult{}, err
	}
	if err := c.SetGrowHair(cfg.GrowHair); err != nil {
		return nil, SubjectResult{}, err
	}
	if err := c.FitFiducials(cfg.Weights()); err != nil {
		return nil, SubjectResult{}, errors.Wrap(err, "fiducial fit")
	}

	icpCfg := cfg.ICP.ICPConfig()
	res, err := c.FitICP(icpCfg)
	if err != nil {
		return nil, SubjectResult{}, errors.Wrap(err, "icp")
	}
	iterations := res.Iterations

	omitted := 0
	if cfg.OmitDistance > 0 {
		if omitted, err = c.OmitHeadShapePoints(cfg.OmitDistance * 1e-3); err != nil {
			return nil, SubjectResult{}, err
		}
		if res, err = c.FitICP(icpCfg); err != nil {
			return nil, SubjectResult{}, errors.Wrap(err, "icp after omitting outliers")
		}
		iterations += res.Iterations
	}

	summary, err := c.Summary()
	if err != nil {
		return nil, SubjectResult{}, err
	}
	return c, SubjectResult{
		SubjectID:     dig.Subject,
		Trans:         c.Trans(),
		Parameters:    c.Parameters(),
		ScaleMode:     c.ScaleMode(),
		FidMatch:      c.FidMatch(),
		Distances:     summary,
		Omitted:       omitted,
		ICPIterations: iterations,
		FittedAt:      time.Now().Unix(),
	}, nil
}

// ResultPublisher receives every successful result.
type ResultPublisher interface {
	PublishResult(r SubjectResult) error
}

// AutoCoregistrar refits a subject whenever a new digitization arrives.
// Digitizations arriving within the debounce window replace each other and
// only the last one is fitted.
type AutoCoregistrar struct {
	config    *Config
	cache     *CoregCache
	cachePath string
	store     *ResultStore
	publisher ResultPublisher
	log       *zap.SugaredLogger
	debounce  time.Duration

	mu      sync.Mutex
	inputs  map[string]SubjectInputs
	pending map[string]*Digitization
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewAutoCoregistrar creates an AutoCoregistrar. publisher may be nil.
func NewAutoCoregistrar(config *Config, cache *CoregCache, store *ResultStore, publisher ResultPublisher, log *zap.SugaredLogger) *AutoCoregistrar {
	if cache == nil {
		cache = NewCoregCache()
	}
	if store == nil {
		store = NewResultStore()
	}
	cachePath := config.CachePath
	if cachePath == "" {
		cachePath = DefaultCachePath
	}
	return &AutoCoregistrar{
		config:    config,
		cache:     cache,
		cachePath: cachePath,
		store:     store,
		publisher: publisher,
		log:       orNop(log).Named("autocoreg"),
		debounce:  config.Coreg.Debounce,
		inputs:    make(map[string]SubjectInputs),
		pending:   make(map[string]*Digitization),
		timers:    make(map[string]*time.Timer),
	}
}

// Store returns the result store updated by every run.
func (ac *AutoCoregistrar) Store() *ResultStore {
	return ac.store
}

// OnDigitization is the DigitizationHandler registered with the MQTT client.
// It is safe to call from any goroutine.
func (ac *AutoCoregistrar) OnDigitization(subjectID string, dig *Digitization, err error) {
	if err != nil {
		ac.log.Warnw("ignoring digitization", "subject", subjectID, "error", err)
		return
	}
	if ac.config.GetSubjectByID(subjectID) == nil {
		ac.log.Warnw("digitization for unknown subject", "subject", subjectID)
		return
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.pending[subjectID] = dig
	if t, ok := ac.timers[subjectID]; ok {
		if t.Stop() {
			ac.wg.Done()
		}
		ac.log.Debugw("digitization replaced pending one", "subject", subjectID)
	}
	ac.wg.Add(1)
	ac.timers[subjectID] = time.AfterFunc(ac.debounce, func() {
		defer ac.wg.Done()
		ac.firePending(subjectID)
	})
}

func (ac *AutoCoregistrar) firePending(subjectID string) {
	ac.mu.Lock()
	dig, ok := ac.pending[subjectID]
	delete(ac.pending, subjectID)
	delete(ac.timers, subjectID)
	ac.mu.Unlock()
	if !ok {
		return
	}
	if _, err := ac.RunSubject(subjectID, dig); err != nil {
		ac.log.Errorw("coregistration failed, keeping previous result", "subject", subjectID, "error", err)
	}
}

// RunSubject fits dig for subjectID, records the result and publishes it.
// A failed run leaves the stored and cached results untouched.
func (ac *AutoCoregistrar) RunSubject(subjectID string, dig *Digitization) (result SubjectResult, err error) {
	started := time.Now()
	defer func() { observeFit(subjectID, started, &result, err) }()

	in, err := ac.subjectInputs(subjectID)
	if err != nil {
		return SubjectResult{}, err
	}
	if dig.Subject == "" {
		dig.Subject = subjectID
	}

	ac.log.Infow("fitting", "subject", subjectID, "points", len(dig.Points))
	c, result, err := RunPipeline(dig, in, ac.config.Coreg, ac.log.With("subject", subjectID))
	if err != nil {
		return SubjectResult{}, err
	}
	result.SubjectID = subjectID

	points, dists, err := c.TransformedHeadShape()
	if err != nil {
		return SubjectResult{}, err
	}
	ac.store.Update(SubjectState{Result: result, Points: points, Distances: dists, Vertices: in.Surface.Vertices})
	ac.log.Infow("fit complete", "subject", subjectID,
		"medianMM", result.Distances.Median, "omitted", result.Omitted, "params", result.Parameters.String())

	ac.mu.Lock()
	ac.cache.Set(result)
	saveErr := SaveCache(ac.cachePath, ac.cache)
	ac.mu.Unlock()
	if saveErr != nil {
		ac.log.Warnw("failed to save cache", "path", ac.cachePath, "error", saveErr)
	}

	if ac.publisher != nil {
		if err := ac.publisher.PublishResult(result); err != nil {
			ac.log.Warnw("failed to publish result", "subject", subjectID, "error", err)
		}
	}
	return result, nil
}

// subjectInputs loads a subject's MRI inputs once and reuses them.
func (ac *AutoCoregistrar) subjectInputs(subjectID string) (SubjectInputs, error) {
	ac.mu.Lock()
	in, ok := ac.inputs[subjectID]
	ac.mu.Unlock()
	if ok {
		return in, nil
	}

	sc := ac.config.GetSubjectByID(subjectID)
	if sc == nil {
		return SubjectInputs{}, fmt.Errorf("subject %s not configured", subjectID)
	}
	in, err := LoadSubjectInputs(*sc)
	if err != nil {
		return SubjectInputs{}, err
	}
	ac.mu.Lock()
	ac.inputs[subjectID] = in
	ac.mu.Unlock()
	return in, nil
}

// RunConfigured fits every subject that has a digitization file and whose
// cached result is missing or older than the configured max age.
func (ac *AutoCoregistrar) RunConfigured() {
	for _, sc := range ac.config.Subjects {
		if sc.Digitization == "" {
			continue
		}
		ac.mu.Lock()
		fresh := !ac.cache.NeedsRefit(sc.ID, ac.config.Coreg.MaxAge)
		ac.mu.Unlock()
		if fresh {
			ac.log.Infow("cached result still fresh, skipping", "subject", sc.ID)
			continue
		}
		dig, err := ParseDigitizationFile(sc.Digitization)
		if err != nil {
			ac.log.Errorw("reading digitization", "subject", sc.ID, "error", err)
			continue
		}
		if _, err := ac.RunSubject(sc.ID, dig); err != nil {
			ac.log.Errorw("coregistration failed", "subject", sc.ID, "error", err)
		}
	}
}

// Stop cancels pending debounced runs and waits for running ones.
func (ac *AutoCoregistrar) Stop() {
	ac.mu.Lock()
	for id, t := range ac.timers {
		if t.Stop() {
			ac.wg.Done()
		}
		delete(ac.timers, id)
		delete(ac.pending, id)
	}
	ac.mu.Unlock()
	ac.wg.Wait()
}
