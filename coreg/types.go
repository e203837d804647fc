package coreg

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
)

// Point is a 3D coordinate in meters.
type Point = r3.Vector

// CoordFrame names the reference system a point or transform lives in.
type CoordFrame int

const (
	FrameUnknown CoordFrame = iota
	FrameHead
	FrameMRI
	FrameMRIVoxel
	FrameMNITal
)

var frameNames = map[CoordFrame]string{
	FrameUnknown:  "unknown",
	FrameHead:     "head",
	FrameMRI:      "mri",
	FrameMRIVoxel: "mri_voxel",
	FrameMNITal:   "mni_tal",
}

func (f CoordFrame) String() string {
	if s, ok := frameNames[f]; ok {
		return s
	}
	return fmt.Sprintf("frame(%d)", int(f))
}

// ParseCoordFrame accepts the names produced by String.
func ParseCoordFrame(s string) (CoordFrame, error) {
	for f, name := range frameNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return FrameUnknown, fmt.Errorf("unknown coordinate frame %q", s)
}

func (f CoordFrame) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *CoordFrame) UnmarshalText(b []byte) error {
	parsed, err := ParseCoordFrame(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// FiducialID identifies one of the three cardinal landmarks.
// Values follow the FIFF cardinal point idents.
type FiducialID int

const (
	LPA    FiducialID = 1
	Nasion FiducialID = 2
	RPA    FiducialID = 3
)

// CardinalIDs lists the landmarks in the order fits use them.
var CardinalIDs = []FiducialID{LPA, Nasion, RPA}

func (id FiducialID) String() string {
	switch id {
	case LPA:
		return "lpa"
	case Nasion:
		return "nasion"
	case RPA:
		return "rpa"
	}
	return fmt.Sprintf("fiducial(%d)", int(id))
}

// ParseFiducialID accepts "lpa", "nasion", "rpa".
func ParseFiducialID(s string) (FiducialID, error) {
	for _, id := range CardinalIDs {
		if strings.EqualFold(s, id.String()) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown fiducial %q", s)
}

func (id FiducialID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *FiducialID) UnmarshalText(b []byte) error {
	parsed, err := ParseFiducialID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Fiducial is a landmark position tagged with its identity and frame.
type Fiducial struct {
	ID    FiducialID `json:"id"`
	R     Point      `json:"r"`
	Frame CoordFrame `json:"frame"`
}

// DigKind is the category of a digitized point.
type DigKind int

const (
	DigCardinal DigKind = iota + 1
	DigHPI
	DigEEG
	DigExtra
)

var digKindNames = map[DigKind]string{
	DigCardinal: "cardinal",
	DigHPI:      "hpi",
	DigEEG:      "eeg",
	DigExtra:    "extra",
}

func (k DigKind) String() string {
	if s, ok := digKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k DigKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DigKind) UnmarshalText(b []byte) error {
	for kind, name := range digKindNames {
		if strings.EqualFold(string(b), name) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown dig kind %q", string(b))
}

// DigPoint is a single digitized location from the tracking device.
// Ident is only meaningful for cardinal points, where it holds a FiducialID.
type DigPoint struct {
	Kind  DigKind    `json:"kind"`
	Ident int        `json:"ident,omitempty"`
	R     Point      `json:"r"`
	Frame CoordFrame `json:"frame"`
}

// Digitization is the read-only set of digitized points for one session.
type Digitization struct {
	Subject string     `json:"subject,omitempty"`
	Points  []DigPoint `json:"points"`
}

// Fiducials returns the cardinal points keyed by identity.
// Later duplicates override earlier ones.
func (d *Digitization) Fiducials() map[FiducialID]Fiducial {
	out := make(map[FiducialID]Fiducial, 3)
	if d == nil {
		return out
	}
	for _, p := range d.Points {
		if p.Kind != DigCardinal {
			continue
		}
		id := FiducialID(p.Ident)
		if id != LPA && id != Nasion && id != RPA {
			continue
		}
		out[id] = Fiducial{ID: id, R: p.R, Frame: p.Frame}
	}
	return out
}

// HeadShape returns the non-cardinal points in digitization order.
func (d *Digitization) HeadShape() []DigPoint {
	if d == nil {
		return nil
	}
	var out []DigPoint
	for _, p := range d.Points {
		if p.Kind != DigCardinal {
			out = append(out, p)
		}
	}
	return out
}

// ScaleMode selects how many scale parameters a fit may estimate.
type ScaleMode int

const (
	ScaleNone ScaleMode = iota
	ScaleUniform
	Scale3Axis
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleNone:
		return "none"
	case ScaleUniform:
		return "uniform"
	case Scale3Axis:
		return "3-axis"
	}
	return fmt.Sprintf("scale(%d)", int(m))
}

// ParseScaleMode accepts "none" (or empty), "uniform" and "3-axis".
func ParseScaleMode(s string) (ScaleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ScaleNone, nil
	case "uniform":
		return ScaleUniform, nil
	case "3-axis", "3axis":
		return Scale3Axis, nil
	}
	return ScaleNone, fmt.Errorf("unknown scale mode %q", s)
}

func (m ScaleMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ScaleMode) UnmarshalText(b []byte) error {
	parsed, err := ParseScaleMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FidMatch selects how MRI-side fiducial targets are chosen.
type FidMatch int

const (
	FidMatchNearest FidMatch = iota
	FidMatchMatched
)

func (m FidMatch) String() string {
	if m == FidMatchMatched {
		return "matched"
	}
	return "nearest"
}

// ParseFidMatch accepts "nearest" (or empty) and "matched".
func ParseFidMatch(s string) (FidMatch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nearest":
		return FidMatchNearest, nil
	case "matched":
		return FidMatchMatched, nil
	}
	return FidMatchNearest, fmt.Errorf("unknown fiducial match mode %q", s)
}

func (m FidMatch) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FidMatch) UnmarshalText(b []byte) error {
	parsed, err := ParseFidMatch(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
