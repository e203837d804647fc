package coreg

import "math"

// uvSphere builds a closed, outward-wound sphere mesh in the mri frame.
func uvSphere(center Point, r float64, rings, segments int) *Surface {
	s := &Surface{Frame: FrameMRI}
	s.Vertices = append(s.Vertices, center.Add(Point{Z: r}))
	for i := 1; i < rings; i++ {
		theta := math.Pi * float64(i) / float64(rings)
		for j := 0; j < segments; j++ {
			phi := 2 * math.Pi * float64(j) / float64(segments)
			s.Vertices = append(s.Vertices, center.Add(Point{
				X: r * math.Sin(theta) * math.Cos(phi),
				Y: r * math.Sin(theta) * math.Sin(phi),
				Z: r * math.Cos(theta),
			}))
		}
	}
	bottom := len(s.Vertices)
	s.Vertices = append(s.Vertices, center.Add(Point{Z: -r}))

	ring := func(i, j int) int { return 1 + (i-1)*segments + (j % segments) }
	for j := 0; j < segments; j++ {
		s.Triangles = append(s.Triangles, [3]int{0, ring(1, j), ring(1, j+1)})
	}
	for i := 1; i < rings-1; i++ {
		for j := 0; j < segments; j++ {
			a, b, c, d := ring(i, j), ring(i+1, j), ring(i+1, j+1), ring(i, j+1)
			s.Triangles = append(s.Triangles, [3]int{a, b, c}, [3]int{a, c, d})
		}
	}
	for j := 0; j < segments; j++ {
		s.Triangles = append(s.Triangles, [3]int{bottom, ring(rings-1, j+1), ring(rings-1, j)})
	}
	return s
}

// sphereDirections returns n roughly even unit directions (Fibonacci lattice).
func sphereDirections(n int) []Point {
	out := make([]Point, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range out {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		rad := math.Sqrt(1 - z*z)
		out[i] = Point{X: rad * math.Cos(golden*float64(i)), Y: rad * math.Sin(golden*float64(i)), Z: z}
	}
	return out
}

func bruteNearestVertex(p Point, vertices []Point) (Point, float64) {
	best, bestD := vertices[0], math.Inf(1)
	for _, v := range vertices {
		if d := p.Sub(v).Norm(); d < bestD {
			best, bestD = v, d
		}
	}
	return best, bestD
}

func bruteNearestTriangle(p Point, s *Surface) (Point, float64) {
	var best Point
	bestD := math.Inf(1)
	for _, t := range s.Triangles {
		q := closestPointOnTriangle(p, s.Vertices[t[0]], s.Vertices[t[1]], s.Vertices[t[2]])
		if d := p.Sub(q).Norm(); d < bestD {
			best, bestD = q, d
		}
	}
	return best, bestD
}

// headScenario is a spherical "head" in MRI space with head-shape points on
// its upper part, digitized in a head frame related by truth.
type headScenario struct {
	surface *Surface
	mriFids []Fiducial
	dig     *Digitization
	truth   Parameters // head -> mri
}

var (
	scenarioCenter = Point{X: 0, Y: 0.01, Z: 0.04}
	scenarioRadius = 0.09
)

func newHeadScenario(fiducialNoise bool) headScenario {
	truth := Parameters{
		Rotation:    [3]float64{deg(8), deg(-5), deg(12)},
		Translation: [3]float64{0.01, -0.02, 0.03},
		Scale:       [3]float64{1, 1, 1},
	}
	toHead, err := truth.Trans().Invert()
	if err != nil {
		panic(err)
	}

	onSphere := func(d Point) Point { return scenarioCenter.Add(d.Mul(scenarioRadius)) }
	mriFids := []Fiducial{
		{ID: LPA, R: onSphere(Point{X: -1}), Frame: FrameMRI},
		{ID: Nasion, R: onSphere(Point{Y: 1}), Frame: FrameMRI},
		{ID: RPA, R: onSphere(Point{X: 1}), Frame: FrameMRI},
	}
	noise := map[FiducialID]Point{
		LPA:    {X: 0.004, Y: 0.003, Z: -0.002},
		Nasion: {X: 0.002, Y: -0.003, Z: 0.004},
		RPA:    {X: -0.003, Y: 0.004, Z: 0.003},
	}

	dig := &Digitization{Subject: "sphere"}
	for _, f := range mriFids {
		r := toHead.ApplyPoint(f.R)
		if fiducialNoise {
			r = r.Add(noise[f.ID])
		}
		dig.Points = append(dig.Points, DigPoint{Kind: DigCardinal, Ident: int(f.ID), R: r, Frame: FrameHead})
	}
	i := 0
	for _, d := range sphereDirections(240) {
		if d.Z < -0.2 {
			continue
		}
		kind := DigExtra
		switch i % 10 {
		case 0:
			kind = DigEEG
		case 1:
			kind = DigHPI
		}
		dig.Points = append(dig.Points, DigPoint{Kind: kind, R: toHead.ApplyPoint(onSphere(d)), Frame: FrameHead})
		i++
	}

	return headScenario{
		surface: uvSphere(scenarioCenter, scenarioRadius, 24, 48),
		mriFids: mriFids,
		dig:     dig,
		truth:   truth,
	}
}

// newScaledHeadScenario builds a subject whose head is the scenario sphere
// stretched by ref, digitized in a head frame where LPA, nasion and RPA lie
// in the z=0 plane. The true head->mri transform scales by 1/ref.
func newScaledHeadScenario(ref [3]float64) headScenario {
	origin := Point{X: 0, Y: scenarioCenter.Y, Z: scenarioCenter.Z}
	toHead := func(p Point) Point {
		d := p.Sub(origin)
		return Point{X: d.X * ref[0], Y: d.Y * ref[1], Z: d.Z * ref[2]}
	}
	onSphere := func(d Point) Point { return scenarioCenter.Add(d.Mul(scenarioRadius)) }

	mriFids := []Fiducial{
		{ID: LPA, R: onSphere(Point{X: -1}), Frame: FrameMRI},
		{ID: Nasion, R: onSphere(Point{Y: 1}), Frame: FrameMRI},
		{ID: RPA, R: onSphere(Point{X: 1}), Frame: FrameMRI},
	}
	dig := &Digitization{Subject: "scaled"}
	for _, f := range mriFids {
		dig.Points = append(dig.Points, DigPoint{Kind: DigCardinal, Ident: int(f.ID), R: toHead(f.R), Frame: FrameHead})
	}
	for _, d := range sphereDirections(240) {
		if d.Z < -0.2 {
			continue
		}
		dig.Points = append(dig.Points, DigPoint{Kind: DigExtra, R: toHead(onSphere(d)), Frame: FrameHead})
	}

	return headScenario{
		surface: uvSphere(scenarioCenter, scenarioRadius, 24, 48),
		mriFids: mriFids,
		dig:     dig,
		truth: Parameters{
			Translation: [3]float64{origin.X, origin.Y, origin.Z},
			Scale:       [3]float64{1 / ref[0], 1 / ref[1], 1 / ref[2]},
		},
	}
}

func median(values []float64) float64 {
	return SummarizeDistances(values).Median
}
