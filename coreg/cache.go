package coreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SubjectResult is the outcome of one automatic coregistration run.
type SubjectResult struct {
	SubjectID     string          `json:"subjectId"`
	Trans         Transform       `json:"trans"`
	Parameters    Parameters      `json:"parameters"`
	ScaleMode     ScaleMode       `json:"scaleMode"`
	FidMatch      FidMatch        `json:"fidMatch"`
	Distances     DistanceSummary `json:"distances"`
	Omitted       int             `json:"omitted"`
	ICPIterations int             `json:"icpIterations"`
	FittedAt      int64           `json:"fittedAt"`
}

// CoregCache persists the latest result per subject between runs.
type CoregCache struct {
	Subjects    map[string]SubjectResult `json:"subjects"`
	LastUpdated int64                    `json:"lastUpdated"`
}

// LoadCache loads the result cache. A missing file yields nil, nil.
func LoadCache(path string) (*CoregCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache yet
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	var cache CoregCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing cache file: %w", err)
	}
	if cache.Subjects == nil {
		cache.Subjects = make(map[string]SubjectResult)
	}
	return &cache, nil
}

// SaveCache writes the cache, stamping LastUpdated.
func SaveCache(path string, cache *CoregCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	return nil
}

// NewCoregCache returns an empty cache.
func NewCoregCache() *CoregCache {
	return &CoregCache{Subjects: make(map[string]SubjectResult)}
}

// Get returns the cached result for a subject.
func (c *CoregCache) Get(subjectID string) (SubjectResult, bool) {
	if c == nil {
		return SubjectResult{}, false
	}
	r, ok := c.Subjects[subjectID]
	return r, ok
}

// Set stores a result, replacing any previous one for the subject.
func (c *CoregCache) Set(r SubjectResult) {
	if c.Subjects == nil {
		c.Subjects = make(map[string]SubjectResult)
	}
	c.Subjects[r.SubjectID] = r
}

// NeedsRefit reports whether the subject has no result or one older than maxAge.
func (c *CoregCache) NeedsRefit(subjectID string, maxAge time.Duration) bool {
	r, ok := c.Get(subjectID)
	if !ok || r.FittedAt == 0 {
		return true
	}
	return time.Since(time.Unix(r.FittedAt, 0)) > maxAge
}
