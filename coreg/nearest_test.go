package coreg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearest_PointCloudMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ref := &Surface{Frame: FrameMRI, Vertices: randomPoints(rng, 500, 0.1)}
	query := randomPoints(rng, 200, 0.15)

	points, dists, err := Nearest(query, ref)
	require.NoError(t, err)
	require.Len(t, points, len(query))
	require.Len(t, dists, len(query))

	for i, q := range query {
		want, wantD := bruteNearestVertex(q, ref.Vertices)
		assert.Equal(t, want, points[i], "query %d", i)
		assert.InDelta(t, wantD, dists[i], 1e-12, "query %d", i)
	}
}

func TestNearest_MeshMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	ref := uvSphere(Point{X: 0.01, Y: -0.02, Z: 0.03}, 0.09, 12, 24)
	idx, err := NewSurfaceIndex(ref)
	require.NoError(t, err)
	assert.Equal(t, FrameMRI, idx.Frame())

	for i, q := range randomPoints(rng, 200, 0.2) {
		want, wantD := bruteNearestTriangle(q, ref)
		got, d := idx.NearestPoint(q)
		assert.InDelta(t, wantD, d, 1e-12, "query %d", i)
		assert.InDelta(t, d, q.Sub(got).Norm(), 1e-12, "query %d", i)
		assertPointNear(t, want, got, 1e-9)
	}
}

func TestNearest_PointsOnSurface(t *testing.T) {
	ref := uvSphere(Point{}, 0.1, 8, 16)
	_, dists, err := Nearest(ref.Vertices, ref)
	require.NoError(t, err)
	for i, d := range dists {
		assert.InDelta(t, 0, d, 1e-12, "vertex %d", i)
	}
}

func TestNearest_MeshIsCloserThanVertices(t *testing.T) {
	// points between vertices are nearer the faces than any vertex
	ref := uvSphere(Point{}, 0.1, 6, 8)
	cloud := &Surface{Frame: FrameMRI, Vertices: ref.Vertices}
	query := []Point{{X: 0.07, Y: 0.03, Z: 0.02}, {X: -0.02, Y: 0.08, Z: -0.04}}

	_, meshD, err := Nearest(query, ref)
	require.NoError(t, err)
	_, cloudD, err := Nearest(query, cloud)
	require.NoError(t, err)
	for i := range query {
		assert.Less(t, meshD[i], cloudD[i])
	}
}

func TestClosestPointOnTriangle(t *testing.T) {
	a := Point{X: 0, Y: 0, Z: 0}
	b := Point{X: 1, Y: 0, Z: 0}
	c := Point{X: 0, Y: 1, Z: 0}

	tests := []struct {
		name string
		p    Point
		want Point
	}{
		{"above face", Point{X: 0.2, Y: 0.2, Z: 1}, Point{X: 0.2, Y: 0.2, Z: 0}},
		{"beyond a", Point{X: -1, Y: -1, Z: 0.5}, a},
		{"beyond b", Point{X: 2, Y: -0.5, Z: 0}, b},
		{"beyond c", Point{X: -0.5, Y: 2, Z: 0}, c},
		{"edge ab", Point{X: 0.5, Y: -1, Z: 0.3}, Point{X: 0.5, Y: 0, Z: 0}},
		{"edge ac", Point{X: -1, Y: 0.4, Z: 0}, Point{X: 0, Y: 0.4, Z: 0}},
		{"edge bc", Point{X: 1, Y: 1, Z: 0}, Point{X: 0.5, Y: 0.5, Z: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertPointNear(t, tt.want, closestPointOnTriangle(tt.p, a, b, c), 1e-12)
		})
	}

	t.Run("degenerate", func(t *testing.T) {
		got := closestPointOnTriangle(Point{X: 0.5, Y: 1, Z: 0}, a, b, b)
		assertPointNear(t, Point{X: 0.5, Y: 0, Z: 0}, got, 1e-12)
	})
}

func TestSurface_Validate(t *testing.T) {
	tests := []struct {
		name    string
		surface *Surface
		wantErr error
	}{
		{"nil", nil, ErrEmptyReference},
		{"empty", &Surface{Frame: FrameMRI}, ErrEmptyReference},
		{"bad index", &Surface{Vertices: []Point{{}, {X: 1}, {Y: 1}}, Triangles: [][3]int{{0, 1, 3}}}, ErrInvalidParameter},
		{"negative index", &Surface{Vertices: []Point{{}, {X: 1}, {Y: 1}}, Triangles: [][3]int{{0, -1, 2}}}, ErrInvalidParameter},
		{"normals count", &Surface{Vertices: []Point{{}, {X: 1}}, Normals: []Point{{Z: 1}}}, ErrInvalidParameter},
		{"nan vertex", &Surface{Vertices: []Point{{X: math.NaN()}}}, ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Nearest([]Point{{}}, tt.surface)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestSurface_VertexNormals(t *testing.T) {
	t.Run("mesh normals point outward", func(t *testing.T) {
		s := uvSphere(Point{}, 0.1, 10, 20)
		for i, n := range s.VertexNormals() {
			assert.InDelta(t, 1, n.Norm(), 1e-9)
			radial := s.Vertices[i].Normalize()
			assert.Greater(t, n.Dot(radial), 0.99, "vertex %d", i)
		}
	})

	t.Run("point cloud normals are radial", func(t *testing.T) {
		center := Point{X: 0.01, Y: 0.02, Z: -0.01}
		s := &Surface{}
		for _, d := range sphereDirections(50) {
			s.Vertices = append(s.Vertices, center.Add(d.Mul(0.1)))
		}
		normals := s.VertexNormals()
		for i, d := range sphereDirections(50) {
			assert.Greater(t, normals[i].Dot(d), 0.99, "vertex %d", i)
		}
	})

	t.Run("supplied normals are kept", func(t *testing.T) {
		s := &Surface{Vertices: []Point{{}, {X: 1}}, Normals: []Point{{Z: 1}, {Z: -1}}}
		assert.Equal(t, s.Normals, s.VertexNormals())
	})
}

func TestSurface_Grow(t *testing.T) {
	s := uvSphere(Point{}, 0.1, 10, 20)
	upper := func(p Point) bool { return p.Z > 0 }
	grown := s.Grow(0.005, upper)

	require.Len(t, grown.Vertices, len(s.Vertices))
	assert.Equal(t, s.Triangles, grown.Triangles)
	for i, v := range s.Vertices {
		if upper(v) {
			assert.InDelta(t, 0.105, grown.Vertices[i].Norm(), 1e-4, "vertex %d", i)
		} else {
			assert.Equal(t, v, grown.Vertices[i], "vertex %d", i)
		}
	}
	// the original is untouched
	assert.InDelta(t, 0.1, s.Vertices[0].Norm(), 1e-12)

	same := s.Grow(0, nil)
	assert.Equal(t, s.Vertices, same.Vertices)
}
