package coreg

import (
	"sort"
	"sync"
)

// SubjectState is the latest fit for a subject together with the
// transformed head-shape points used to render residuals.
type SubjectState struct {
	Result    SubjectResult
	Points    []Point   // Kept head-shape points in MRI coordinates
	Distances []float64 // Surface distance per point, meters
	Vertices  []Point   // MRI surface vertices, shared and not modified
}

// ResultStore tracks the latest results for HTTP endpoints
type ResultStore struct {
	mu       sync.RWMutex
	subjects map[string]*SubjectState
}

// NewResultStore creates an empty store
func NewResultStore() *ResultStore {
	return &ResultStore{subjects: make(map[string]*SubjectState)}
}

// NewResultStoreFromCache seeds the store with cached results. Cached
// results carry no point data.
func NewResultStoreFromCache(cache *CoregCache) *ResultStore {
	rs := NewResultStore()
	if cache == nil {
		return rs
	}
	for id, r := range cache.Subjects {
		rs.subjects[id] = &SubjectState{Result: r}
	}
	return rs
}

// Update replaces the state for a subject.
func (rs *ResultStore) Update(state SubjectState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s := state
	s.Points = append([]Point(nil), state.Points...)
	s.Distances = append([]float64(nil), state.Distances...)
	rs.subjects[state.Result.SubjectID] = &s
}

// Get returns a copy of a subject's state.
func (rs *ResultStore) Get(subjectID string) (SubjectState, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	s, ok := rs.subjects[subjectID]
	if !ok {
		return SubjectState{}, false
	}
	out := *s
	out.Points = append([]Point(nil), s.Points...)
	out.Distances = append([]float64(nil), s.Distances...)
	return out, true
}

// Results returns every subject's result sorted by subject ID.
func (rs *ResultStore) Results() []SubjectResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]SubjectResult, 0, len(rs.subjects))
	for _, s := range rs.subjects {
		out = append(out, s.Result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Len returns the number of subjects with results.
func (rs *ResultStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.subjects)
}
