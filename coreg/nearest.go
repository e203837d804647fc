package coreg

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Surface is a read-only reference geometry. With no triangles it is a
// point cloud; otherwise Triangles index into Vertices.
type Surface struct {
	Frame     CoordFrame `json:"frame"`
	Vertices  []Point    `json:"vertices"`
	Triangles [][3]int   `json:"triangles,omitempty"`
	Normals   []Point    `json:"normals,omitempty"`
}

// IsPointCloud reports whether s has no triangles.
func (s *Surface) IsPointCloud() bool {
	return len(s.Triangles) == 0
}

// Validate checks the surface is non-empty and its indices are in range.
func (s *Surface) Validate() error {
	if s == nil || len(s.Vertices) == 0 {
		return errors.Wrap(ErrEmptyReference, "surface has no vertices")
	}
	for i, v := range s.Vertices {
		if !finite3([3]float64{v.X, v.Y, v.Z}) {
			return errors.Wrapf(ErrInvalidParameter, "vertex %d is not finite", i)
		}
	}
	n := len(s.Vertices)
	for i, tri := range s.Triangles {
		for _, idx := range tri {
			if idx < 0 || idx >= n {
				return errors.Wrapf(ErrInvalidParameter, "triangle %d references vertex %d of %d", i, idx, n)
			}
		}
	}
	if len(s.Normals) != 0 && len(s.Normals) != n {
		return errors.Wrapf(ErrInvalidParameter, "%d normals for %d vertices", len(s.Normals), n)
	}
	return nil
}

// VertexNormals returns unit outward normals per vertex. Supplied normals
// are used as-is; meshes get area-weighted face normals; point clouds get
// the direction from the centroid.
func (s *Surface) VertexNormals() []Point {
	if len(s.Normals) == len(s.Vertices) && len(s.Normals) > 0 {
		out := make([]Point, len(s.Normals))
		copy(out, s.Normals)
		return out
	}
	out := make([]Point, len(s.Vertices))
	if s.IsPointCloud() {
		var c Point
		for _, v := range s.Vertices {
			c = c.Add(v)
		}
		c = c.Mul(1 / float64(len(s.Vertices)))
		for i, v := range s.Vertices {
			out[i] = unit(v.Sub(c))
		}
		return out
	}
	for _, tri := range s.Triangles {
		a, b, c := s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]]
		// cross product length is twice the area, which gives the weighting
		n := b.Sub(a).Cross(c.Sub(a))
		for _, idx := range tri {
			out[idx] = out[idx].Add(n)
		}
	}
	for i := range out {
		out[i] = unit(out[i])
	}
	return out
}

func unit(v Point) Point {
	n := v.Norm()
	if n == 0 {
		return Point{}
	}
	return v.Mul(1 / n)
}

// Grow returns a copy of s with every vertex accepted by filter moved
// offset along its outward normal. A nil filter moves every vertex.
func (s *Surface) Grow(offset float64, filter func(Point) bool) *Surface {
	normals := s.VertexNormals()
	out := &Surface{
		Frame:     s.Frame,
		Vertices:  make([]Point, len(s.Vertices)),
		Triangles: s.Triangles,
		Normals:   normals,
	}
	for i, v := range s.Vertices {
		if offset != 0 && (filter == nil || filter(v)) {
			v = v.Add(normals[i].Mul(offset))
		}
		out.Vertices[i] = v
	}
	return out
}

// SurfaceIndex answers nearest-point queries against one Surface.
type SurfaceIndex struct {
	frame CoordFrame
	tree  *kdtree.Tree
	bvh   *bvhNode
}

// NewSurfaceIndex builds a k-d tree for point clouds or a bounding volume
// hierarchy for meshes.
func NewSurfaceIndex(s *Surface) (*SurfaceIndex, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	idx := &SurfaceIndex{frame: s.Frame}
	if s.IsPointCloud() {
		pts := make(kdPoints, len(s.Vertices))
		for i, v := range s.Vertices {
			pts[i] = kdPoint{Point: v, index: i}
		}
		idx.tree = kdtree.New(pts, false)
		return idx, nil
	}
	tris := make([]triangle, len(s.Triangles))
	for i, t := range s.Triangles {
		a, b, c := s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]]
		tris[i] = triangle{a: a, b: b, c: c, centroid: a.Add(b).Add(c).Mul(1.0 / 3), index: i}
	}
	idx.bvh = buildBVH(tris)
	return idx, nil
}

// Frame is the frame of the indexed surface.
func (idx *SurfaceIndex) Frame() CoordFrame {
	return idx.frame
}

// NearestPoint returns the closest reference point to p and its distance.
func (idx *SurfaceIndex) NearestPoint(p Point) (Point, float64) {
	if idx.tree != nil {
		got, d2 := idx.tree.Nearest(kdPoint{Point: p, index: -1})
		return got.(kdPoint).Point, math.Sqrt(d2)
	}
	best := p
	bestD2 := math.Inf(1)
	bestTri := -1
	idx.bvh.nearest(p, &best, &bestD2, &bestTri)
	return best, math.Sqrt(bestD2)
}

// Nearest queries every point in order.
func (idx *SurfaceIndex) Nearest(query []Point) ([]Point, []float64) {
	points := make([]Point, len(query))
	dists := make([]float64, len(query))
	for i, q := range query {
		points[i], dists[i] = idx.NearestPoint(q)
	}
	return points, dists
}

// Nearest returns, for each query point, the closest point on ref and the
// Euclidean distance to it. Query points must be in ref's frame.
func Nearest(query []Point, ref *Surface) ([]Point, []float64, error) {
	idx, err := NewSurfaceIndex(ref)
	if err != nil {
		return nil, nil, err
	}
	points, dists := idx.Nearest(query)
	return points, dists, nil
}

// kdPoint adapts a vertex to kdtree.Comparable. Distance is squared.
type kdPoint struct {
	Point
	index int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	}
	panic("coreg: kdtree dimension out of range")
}

func (p kdPoint) Dims() int { return 3 }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	return p.Point.Sub(q.Point).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfMedians(kdPlane{kdPoints: p, Dim: d}))
}

// kdPlane sorts kdPoints along one dimension.
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].Compare(p.kdPoints[j], p.Dim) < 0
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
