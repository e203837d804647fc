package coreg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultStore_UpdateAndGet(t *testing.T) {
	rs := NewResultStore()
	_, ok := rs.Get("s01")
	assert.False(t, ok)

	points := []Point{{X: 1}, {Y: 1}}
	dists := []float64{0.001, 0.002}
	rs.Update(SubjectState{Result: sampleResult("s01", 1), Points: points, Distances: dists})

	points[0].X = 99
	got, ok := rs.Get("s01")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Points[0].X, "store keeps its own copy")
	assert.Equal(t, dists, got.Distances)

	got.Distances[0] = 42
	again, _ := rs.Get("s01")
	assert.Equal(t, 0.001, again.Distances[0], "Get returns a copy")
}

func TestResultStore_Results(t *testing.T) {
	rs := NewResultStore()
	rs.Update(SubjectState{Result: sampleResult("s02", 2)})
	rs.Update(SubjectState{Result: sampleResult("s01", 1)})
	rs.Update(SubjectState{Result: sampleResult("s02", 3)})

	results := rs.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "s01", results[0].SubjectID)
	assert.Equal(t, 3.0, results[1].Distances.Median)
	assert.Equal(t, 2, rs.Len())
}

func TestNewResultStoreFromCache(t *testing.T) {
	assert.Equal(t, 0, NewResultStoreFromCache(nil).Len())

	cache := NewCoregCache()
	cache.Set(sampleResult("s01", 1))
	rs := NewResultStoreFromCache(cache)

	state, ok := rs.Get("s01")
	require.True(t, ok)
	assert.Equal(t, "s01", state.Result.SubjectID)
	assert.Empty(t, state.Points)
}

func TestResultStore_ConcurrentAccess(t *testing.T) {
	rs := NewResultStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rs.Update(SubjectState{Result: sampleResult("s01", 1), Points: []Point{{}}})
		}()
		go func() {
			defer wg.Done()
			rs.Get("s01")
			rs.Results()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rs.Len())
}
