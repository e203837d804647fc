package coreg

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// View is an orthographic projection of MRI coordinates onto two axes.
type View int

const (
	ViewSagittal View = iota // y (anterior) right, z (superior) up
	ViewCoronal              // x (right) right, z up
	ViewAxial                // x right, y up
)

// Views lists the projections in render order.
var Views = []View{ViewSagittal, ViewCoronal, ViewAxial}

func (v View) String() string {
	switch v {
	case ViewSagittal:
		return "sagittal"
	case ViewCoronal:
		return "coronal"
	case ViewAxial:
		return "axial"
	}
	return "unknown"
}

// ParseView accepts "sagittal", "coronal" and "axial".
func ParseView(s string) (View, error) {
	for _, v := range Views {
		if v.String() == s {
			return v, nil
		}
	}
	return ViewSagittal, fmt.Errorf("unknown view %q", s)
}

// Project returns the 2D coordinates of p in millimeters.
func (v View) Project(p Point) orb.Point {
	switch v {
	case ViewSagittal:
		return orb.Point{p.Y * 1e3, p.Z * 1e3}
	case ViewCoronal:
		return orb.Point{p.X * 1e3, p.Z * 1e3}
	}
	return orb.Point{p.X * 1e3, p.Y * 1e3}
}

// outlineTolerance is the Douglas-Peucker tolerance for silhouettes, in mm.
const outlineTolerance = 1.0

// Silhouette returns the simplified convex outline of the projected
// vertices as a closed ring.
func (v View) Silhouette(vertices []Point) orb.Ring {
	pts := make([]orb.Point, len(vertices))
	for i, p := range vertices {
		pts[i] = v.Project(p)
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}
	hull = append(hull, hull[0])
	simplified, ok := simplify.DouglasPeucker(outlineTolerance).Simplify(orb.LineString(hull)).(orb.LineString)
	if !ok || len(simplified) < 4 {
		return orb.Ring(hull)
	}
	return orb.Ring(simplified)
}

// convexHull is Andrew's monotone chain; the result is counter-clockwise
// without the closing point.
func convexHull(points []orb.Point) []orb.Point {
	pts := append([]orb.Point(nil), points...)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})
	if len(pts) < 3 {
		return pts
	}
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}
	hull := make([]orb.Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// ResidualReport builds a GeoJSON FeatureCollection of the fitted
// head-shape points in one view. Each point carries its distance in mm;
// the surface silhouette is included when vertices are given.
func ResidualReport(subjectID string, view View, points []Point, distances []float64, vertices []Point) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, p := range points {
		f := geojson.NewFeature(view.Project(p))
		f.Properties["kind"] = "headshape"
		f.Properties["index"] = i
		if i < len(distances) {
			f.Properties["distance_mm"] = distances[i] * 1e3
		}
		fc.Append(f)
	}

	if ring := view.Silhouette(vertices); ring != nil {
		poly := orb.Polygon{ring}
		f := geojson.NewFeature(poly)
		f.Properties["kind"] = "silhouette"
		centroid, area := planar.CentroidArea(poly)
		f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
		f.Properties["area_mm2"] = area
		fc.Append(f)
	}

	fc.ExtraMembers = geojson.Properties{
		"subject": subjectID,
		"view":    view.String(),
	}
	return fc
}
