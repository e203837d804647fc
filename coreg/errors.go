package coreg

import "github.com/pkg/errors"

// Error kinds returned by the registration core. Returned errors wrap one of
// these with context; test with errors.Is.
var (
	ErrFrameMismatch      = errors.New("coordinate frame mismatch")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrToleranceExceeded  = errors.New("fit tolerance exceeded")
	ErrEmptyReference     = errors.New("empty reference surface")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrMissingFiducials   = errors.New("missing fiducials")
	ErrNoPoints           = errors.New("no usable points")
)
