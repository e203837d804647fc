package coreg

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// File formats are JSON with coordinates in meters as [x, y, z] arrays.
//
// Digitization:
//
//	{"subject": "s01", "frame": "head", "points": [
//	  {"kind": "cardinal", "ident": 2, "r": [0, 0.1, 0]},
//	  {"kind": "extra", "r": [0.01, 0.09, 0.04]}]}
//
// Surface:
//
//	{"frame": "mri", "vertices": [[...], ...], "triangles": [[0, 1, 2], ...]}
//
// Fiducials:
//
//	{"frame": "mri", "fiducials": [{"id": "nasion", "r": [...]}, ...]}

type digPointFile struct {
	Kind  DigKind     `json:"kind"`
	Ident int         `json:"ident,omitempty"`
	R     [3]float64  `json:"r"`
	Frame *CoordFrame `json:"frame,omitempty"`
}

type digitizationFile struct {
	Subject string         `json:"subject,omitempty"`
	Frame   *CoordFrame    `json:"frame,omitempty"`
	Points  []digPointFile `json:"points"`
}

type surfaceFile struct {
	Frame     *CoordFrame  `json:"frame,omitempty"`
	Vertices  [][3]float64 `json:"vertices"`
	Triangles [][3]int     `json:"triangles,omitempty"`
	Normals   [][3]float64 `json:"normals,omitempty"`
}

type fiducialFile struct {
	ID    FiducialID  `json:"id"`
	R     [3]float64  `json:"r"`
	Frame *CoordFrame `json:"frame,omitempty"`
}

type fiducialsFile struct {
	Frame     *CoordFrame    `json:"frame,omitempty"`
	Fiducials []fiducialFile `json:"fiducials"`
}

func toPoint(v [3]float64) Point {
	return Point{X: v[0], Y: v[1], Z: v[2]}
}

func fromPoint(p Point) [3]float64 {
	return [3]float64{p.X, p.Y, p.Z}
}

func frameOr(f *CoordFrame, fallback CoordFrame) CoordFrame {
	if f == nil {
		return fallback
	}
	return *f
}

// ParseDigitizationFile reads a digitization JSON file.
func ParseDigitizationFile(path string) (*Digitization, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading digitization: %w", err)
	}
	return ParseDigitizationJSON(data)
}

// ParseDigitizationJSON parses digitization JSON. Points default to the
// file frame, which defaults to head.
func ParseDigitizationJSON(data []byte) (*Digitization, error) {
	var raw digitizationFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing digitization JSON: %w", err)
	}
	if len(raw.Points) == 0 {
		return nil, errors.Wrap(ErrNoPoints, "digitization has no points")
	}
	frame := frameOr(raw.Frame, FrameHead)
	dig := &Digitization{Subject: raw.Subject, Points: make([]DigPoint, len(raw.Points))}
	for i, p := range raw.Points {
		if p.Kind == 0 {
			return nil, errors.Wrapf(ErrInvalidParameter, "point %d has no kind", i)
		}
		if !finite3(p.R) {
			return nil, errors.Wrapf(ErrInvalidParameter, "point %d is not finite", i)
		}
		if p.Kind == DigCardinal {
			switch FiducialID(p.Ident) {
			case LPA, Nasion, RPA:
			default:
				return nil, errors.Wrapf(ErrInvalidParameter, "point %d: unknown cardinal ident %d", i, p.Ident)
			}
		}
		dig.Points[i] = DigPoint{Kind: p.Kind, Ident: p.Ident, R: toPoint(p.R), Frame: frameOr(p.Frame, frame)}
	}
	return dig, nil
}

// MarshalDigitization encodes d in the digitization file format.
func MarshalDigitization(d *Digitization) ([]byte, error) {
	raw := digitizationFile{Subject: d.Subject, Points: make([]digPointFile, len(d.Points))}
	for i, p := range d.Points {
		frame := p.Frame
		raw.Points[i] = digPointFile{Kind: p.Kind, Ident: p.Ident, R: fromPoint(p.R), Frame: &frame}
	}
	return json.MarshalIndent(raw, "", "  ")
}

// ParseSurfaceFile reads a surface JSON file.
func ParseSurfaceFile(path string) (*Surface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading surface: %w", err)
	}
	return ParseSurfaceJSON(data)
}

// ParseSurfaceJSON parses and validates surface JSON. The frame defaults to mri.
func ParseSurfaceJSON(data []byte) (*Surface, error) {
	var raw surfaceFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing surface JSON: %w", err)
	}
	s := &Surface{
		Frame:     frameOr(raw.Frame, FrameMRI),
		Vertices:  make([]Point, len(raw.Vertices)),
		Triangles: raw.Triangles,
	}
	for i, v := range raw.Vertices {
		s.Vertices[i] = toPoint(v)
	}
	if len(raw.Normals) > 0 {
		s.Normals = make([]Point, len(raw.Normals))
		for i, n := range raw.Normals {
			s.Normals[i] = toPoint(n)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalSurface encodes s in the surface file format.
func MarshalSurface(s *Surface) ([]byte, error) {
	frame := s.Frame
	raw := surfaceFile{Frame: &frame, Vertices: make([][3]float64, len(s.Vertices)), Triangles: s.Triangles}
	for i, v := range s.Vertices {
		raw.Vertices[i] = fromPoint(v)
	}
	for _, n := range s.Normals {
		raw.Normals = append(raw.Normals, fromPoint(n))
	}
	return json.Marshal(raw)
}

// ParseFiducialsFile reads a fiducials JSON file.
func ParseFiducialsFile(path string) ([]Fiducial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fiducials: %w", err)
	}
	return ParseFiducialsJSON(data)
}

// ParseFiducialsJSON parses fiducials JSON. The frame defaults to mri.
func ParseFiducialsJSON(data []byte) ([]Fiducial, error) {
	var raw fiducialsFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing fiducials JSON: %w", err)
	}
	frame := frameOr(raw.Frame, FrameMRI)
	out := make([]Fiducial, 0, len(raw.Fiducials))
	seen := make(map[FiducialID]bool, len(raw.Fiducials))
	for i, f := range raw.Fiducials {
		if seen[f.ID] {
			return nil, errors.Wrapf(ErrInvalidParameter, "fiducial %d: duplicate %s", i, f.ID)
		}
		if !finite3(f.R) {
			return nil, errors.Wrapf(ErrInvalidParameter, "fiducial %s is not finite", f.ID)
		}
		seen[f.ID] = true
		out = append(out, Fiducial{ID: f.ID, R: toPoint(f.R), Frame: frameOr(f.Frame, frame)})
	}
	for _, id := range CardinalIDs {
		if !seen[id] {
			return nil, errors.Wrapf(ErrMissingFiducials, "fiducials file has no %s", id)
		}
	}
	return out, nil
}

// MarshalFiducials encodes fiducials in the fiducials file format.
func MarshalFiducials(fids []Fiducial) ([]byte, error) {
	raw := fiducialsFile{Fiducials: make([]fiducialFile, len(fids))}
	for i, f := range fids {
		frame := f.Frame
		raw.Fiducials[i] = fiducialFile{ID: f.ID, R: fromPoint(f.R), Frame: &frame}
	}
	return json.MarshalIndent(raw, "", "  ")
}

// WriteFiducialsFile saves fiducials to path.
func WriteFiducialsFile(path string, fids []Fiducial) error {
	data, err := MarshalFiducials(fids)
	if err != nil {
		return fmt.Errorf("marshaling fiducials: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing fiducials: %w", err)
	}
	return nil
}

// ParseTransformFile reads a transform saved with Transform.MarshalJSON.
func ParseTransformFile(path string) (Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Transform{}, fmt.Errorf("reading transform: %w", err)
	}
	var t Transform
	if err := json.Unmarshal(data, &t); err != nil {
		return Transform{}, fmt.Errorf("parsing transform JSON: %w", err)
	}
	return t, nil
}

// WriteTransformFile saves t as indented JSON.
func WriteTransformFile(path string, t Transform) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling transform: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing transform: %w", err)
	}
	return nil
}
