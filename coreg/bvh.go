package coreg

import (
	"math"
	"sort"
)

// bvhLeafSize is the maximum number of triangles stored in a leaf.
const bvhLeafSize = 8

type aabb struct {
	Min, Max Point
}

func emptyBox() aabb {
	inf := math.Inf(1)
	return aabb{Min: Point{X: inf, Y: inf, Z: inf}, Max: Point{X: -inf, Y: -inf, Z: -inf}}
}

func (b aabb) extend(p Point) aabb {
	return aabb{
		Min: Point{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: Point{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

func (b aabb) union(o aabb) aabb {
	return b.extend(o.Min).extend(o.Max)
}

// dist2 is the squared distance from p to the box, zero inside.
func (b aabb) dist2(p Point) float64 {
	dx := math.Max(0, math.Max(b.Min.X-p.X, p.X-b.Max.X))
	dy := math.Max(0, math.Max(b.Min.Y-p.Y, p.Y-b.Max.Y))
	dz := math.Max(0, math.Max(b.Min.Z-p.Z, p.Z-b.Max.Z))
	return dx*dx + dy*dy + dz*dz
}

type triangle struct {
	a, b, c  Point
	centroid Point
	index    int
}

// bvhNode is either internal (left and right set) or a leaf holding tris.
type bvhNode struct {
	box         aabb
	left, right *bvhNode
	tris        []triangle
}

func buildBVH(tris []triangle) *bvhNode {
	box := emptyBox()
	centers := emptyBox()
	for _, t := range tris {
		box = box.extend(t.a).extend(t.b).extend(t.c)
		centers = centers.extend(t.centroid)
	}
	if len(tris) <= bvhLeafSize {
		return &bvhNode{box: box, tris: tris}
	}

	// split at the median centroid along the widest centroid axis
	extent := centers.Max.Sub(centers.Min)
	axis := 0
	if extent.Y > extent.X && extent.Y >= extent.Z {
		axis = 1
	} else if extent.Z > extent.X && extent.Z > extent.Y {
		axis = 2
	}
	sort.SliceStable(tris, func(i, j int) bool {
		return component(tris[i].centroid, axis) < component(tris[j].centroid, axis)
	})
	mid := len(tris) / 2
	left := buildBVH(tris[:mid])
	right := buildBVH(tris[mid:])
	return &bvhNode{box: left.box.union(right.box), left: left, right: right}
}

func component(p Point, axis int) float64 {
	switch axis {
	case 1:
		return p.Y
	case 2:
		return p.Z
	}
	return p.X
}

// nearest descends the closer child first and prunes boxes farther than
// the best distance so far. Only strictly closer triangles replace the
// current best, so the first triangle found wins ties.
func (n *bvhNode) nearest(p Point, best *Point, bestD2 *float64, bestTri *int) {
	if n.box.dist2(p) > *bestD2 {
		return
	}
	if n.left == nil {
		for _, t := range n.tris {
			q := closestPointOnTriangle(p, t.a, t.b, t.c)
			if d2 := p.Sub(q).Norm2(); d2 < *bestD2 {
				*best, *bestD2, *bestTri = q, d2, t.index
			}
		}
		return
	}
	first, second := n.left, n.right
	if second.box.dist2(p) < first.box.dist2(p) {
		first, second = second, first
	}
	first.nearest(p, best, bestD2, bestTri)
	second.nearest(p, best, bestD2, bestTri)
}

// closestPointOnTriangle classifies p against the Voronoi regions of the
// triangle's vertices and edges, falling back to the face projection.
func closestPointOnTriangle(p, a, b, c Point) Point {
	ab := b.Sub(a)
	ac := c.Sub(a)
	ap := p.Sub(a)
	d1 := ab.Dot(ap)
	d2 := ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := p.Sub(b)
	d3 := ab.Dot(bp)
	d4 := ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return a.Add(ab.Mul(d1 / (d1 - d3)))
	}

	cp := p.Sub(c)
	d5 := ab.Dot(cp)
	d6 := ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return a.Add(ac.Mul(d2 / (d2 - d6)))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		return b.Add(c.Sub(b).Mul((d4 - d3) / ((d4 - d3) + (d5 - d6))))
	}

	denom := va + vb + vc
	if denom == 0 {
		// degenerate triangle; every region test failed only through rounding
		return closestOnSegment(p, a, b)
	}
	v := vb / denom
	w := vc / denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w))
}

func closestOnSegment(p, a, b Point) Point {
	ab := b.Sub(a)
	l2 := ab.Norm2()
	if l2 == 0 {
		return a
	}
	t := math.Max(0, math.Min(1, p.Sub(a).Dot(ab)/l2))
	return a.Add(ab.Mul(t))
}
