package coreg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// maxOutlineVertices caps how many surface vertices are drawn per view.
const maxOutlineVertices = 4000

// ResidualRenderer draws the fitted head-shape points over the MRI surface
// in sagittal, coronal and axial projections, colored by surface distance.
// Canvas units are millimeters.
type ResidualRenderer struct {
	Title       string
	Points      []Point   // MRI coordinates, meters
	Distances   []float64 // Meters, parallel to Points
	Vertices    []Point   // Optional surface vertices for the silhouette
	MaxDistance float64   // Distance (mm) mapped to full red
	PanelSize   float64   // Panel edge length in mm
	Padding     float64   // Gap between panels in mm
	PointRadius float64   // Marker radius in mm
	Resolution  canvas.Resolution
}

// NewResidualRenderer creates a renderer with default settings
func NewResidualRenderer(title string, points []Point, distances []float64, vertices []Point) *ResidualRenderer {
	return &ResidualRenderer{
		Title:       title,
		Points:      points,
		Distances:   distances,
		Vertices:    vertices,
		MaxDistance: 5.0,
		PanelSize:   240.0,
		Padding:     20.0,
		PointRadius: 1.5,
		Resolution:  canvas.DPI(96),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *ResidualRenderer) size() (float64, float64) {
	n := float64(len(Views))
	return n*r.PanelSize + (n+1)*r.Padding, r.PanelSize + 2*r.Padding
}

// RenderToSVG writes the residual views as SVG
func (r *ResidualRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the residual views as PNG with a text caption
func (r *ResidualRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	drawCaption(rast, 8, 16, r.caption(), color.RGBA{0, 0, 0, 255})
	return png.Encode(w, rast)
}

func (r *ResidualRenderer) caption() string {
	s := SummarizeDistances(r.Distances)
	return fmt.Sprintf("%s  n=%d  median=%.2fmm  mean=%.2fmm  max=%.2fmm",
		r.Title, s.Count, s.Median, s.Mean, s.Max)
}

func (r *ResidualRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// one shared scale so the three panels are comparable
	extent := 1.0
	var all []Point
	all = append(all, r.Points...)
	all = append(all, r.Vertices...)
	centers := make([][2]float64, len(Views))
	for vi, view := range Views {
		minX, minY := math.Inf(1), math.Inf(1)
		maxX, maxY := math.Inf(-1), math.Inf(-1)
		for _, p := range all {
			q := view.Project(p)
			minX, maxX = math.Min(minX, q[0]), math.Max(maxX, q[0])
			minY, maxY = math.Min(minY, q[1]), math.Max(maxY, q[1])
		}
		if len(all) == 0 {
			continue
		}
		extent = math.Max(extent, math.Max(maxX-minX, maxY-minY))
		centers[vi] = [2]float64{(minX + maxX) / 2, (minY + maxY) / 2}
	}
	scale := 0.9 * r.PanelSize / extent

	frameStyle := canvas.DefaultStyle
	frameStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	frameStyle.Stroke = canvas.Paint{Color: color.RGBA{0xcc, 0xcc, 0xcc, 0xff}}
	frameStyle.StrokeWidth = 0.5

	outlineStyle := canvas.DefaultStyle
	outlineStyle.Fill = canvas.Paint{Color: color.RGBA{0xdd, 0xdd, 0xdd, 0xff}}
	outlineStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	outlineStyle.StrokeWidth = 0.5

	for vi, view := range Views {
		originX := r.Padding + float64(vi)*(r.PanelSize+r.Padding)
		originY := r.Padding
		toCanvas := func(p Point) (float64, float64) {
			q := view.Project(p)
			return originX + r.PanelSize/2 + (q[0]-centers[vi][0])*scale,
				originY + r.PanelSize/2 + (q[1]-centers[vi][1])*scale
		}

		renderer.RenderPath(canvas.Rectangle(r.PanelSize, r.PanelSize).Translate(originX, originY), frameStyle, canvas.Identity)

		if ring := view.Silhouette(sampleVertices(r.Vertices, maxOutlineVertices)); ring != nil {
			cp := &canvas.Path{}
			for i, q := range ring {
				x := originX + r.PanelSize/2 + (q[0]-centers[vi][0])*scale
				y := originY + r.PanelSize/2 + (q[1]-centers[vi][1])*scale
				if i == 0 {
					cp.MoveTo(x, y)
				} else {
					cp.LineTo(x, y)
				}
			}
			cp.Close()
			renderer.RenderPath(cp, outlineStyle, canvas.Identity)
		}

		for i, p := range r.Points {
			d := 0.0
			if i < len(r.Distances) {
				d = r.Distances[i] * 1e3
			}
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: residualColor(d, r.MaxDistance)}
			style.Stroke = canvas.Paint{Color: canvas.Black}
			style.StrokeWidth = 0.2
			x, y := toCanvas(p)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(x, y), style, canvas.Identity)
		}
	}
}

// residualColor runs the hue from green through yellow to red as mm
// approaches limit.
func residualColor(mm, limit float64) color.RGBA {
	t := 1.0
	if limit > 0 {
		t = math.Max(0, math.Min(1, mm/limit))
	}
	c := colorful.Hsv(120*(1-t), 0.85, 0.9)
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// sampleVertices keeps every k-th vertex so at most limit remain.
func sampleVertices(vertices []Point, limit int) []Point {
	if len(vertices) <= limit {
		return vertices
	}
	step := (len(vertices) + limit - 1) / limit
	out := make([]Point, 0, limit)
	for i := 0; i < len(vertices); i += step {
		out = append(out, vertices[i])
	}
	return out
}

// drawCaption renders text onto an image at the specified position
func drawCaption(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
