package coreg

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func residualFixture() *ResidualRenderer {
	sphere := uvSphere(Point{}, 0.09, 8, 16)
	var points []Point
	var dists []float64
	for i, d := range sphereDirections(40) {
		points = append(points, d.Mul(0.092))
		dists = append(dists, float64(i%5)*0.001)
	}
	return NewResidualRenderer("s01", points, dists, sphere.Vertices)
}

func TestResidualRenderer_SVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, residualFixture().RenderToSVG(&buf))

	out := buf.String()
	if !strings.Contains(out, "<svg") {
		t.Fatal("output is not an SVG document")
	}
	assert.Contains(t, out, "<path")
}

func TestResidualRenderer_PNG(t *testing.T) {
	r := residualFixture()
	var buf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	width, height := r.size()
	b := img.Bounds()
	assert.InDelta(t, float64(r.Resolution)*width, float64(b.Dx()), 1)
	assert.InDelta(t, float64(r.Resolution)*height, float64(b.Dy()), 1)
}

func TestResidualRenderer_Empty(t *testing.T) {
	r := NewResidualRenderer("empty", nil, nil, nil)
	var buf bytes.Buffer
	assert.NoError(t, r.RenderToSVG(&buf))
	buf.Reset()
	assert.NoError(t, r.RenderToPNG(&buf))
}

func TestResidualRenderer_Caption(t *testing.T) {
	r := NewResidualRenderer("s01", []Point{{}, {}}, []float64{0.001, 0.003}, nil)
	assert.Equal(t, "s01  n=2  median=2.00mm  mean=2.00mm  max=3.00mm", r.caption())
}

func TestResidualColor(t *testing.T) {
	green := residualColor(0, 5)
	assert.Greater(t, green.G, green.R)
	assert.Greater(t, green.G, green.B)

	yellow := residualColor(2.5, 5)
	assert.InDelta(t, float64(yellow.R), float64(yellow.G), 1)
	assert.Greater(t, yellow.R, yellow.B)

	red := residualColor(5, 5)
	assert.Greater(t, red.R, red.G)
	assert.Greater(t, red.R, red.B)

	tests := []struct {
		name  string
		mm    float64
		limit float64
	}{
		{"beyond", 50, 5},
		{"no limit", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := residualColor(tt.mm, tt.limit); got != red {
				t.Errorf("residualColor(%v, %v) = %v, want %v", tt.mm, tt.limit, got, red)
			}
		})
	}
	assert.Equal(t, uint8(255), green.A)
}

func TestSampleVertices(t *testing.T) {
	pts := make([]Point, 10)
	assert.Len(t, sampleVertices(pts, 20), 10)
	assert.Len(t, sampleVertices(pts, 5), 5)
	assert.LessOrEqual(t, len(sampleVertices(pts, 3)), 3)
}
