package features

import (
	"fmt"
	"slices"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"gonum.org/v1/gonum/mat"
)

// TimeBase maps feature-grid positions to absolute seconds
type TimeBase struct {
	FPS        float64 `json:"fps" yaml:"fps"`
	FeatStride float64 `json:"feat_stride" yaml:"feat_stride"`
	NumFrames  float64 `json:"num_frames" yaml:"num_frames"`
	Duration   float64 `json:"duration" yaml:"duration"`
}

// IsZero reports whether the time base is unset, in which case grid units are
// returned unchanged.
func (tb TimeBase) IsZero() bool {
	return tb.FPS <= 0 || tb.FeatStride <= 0
}

// Seconds converts a (possibly fractional) grid position to seconds.
// Each feature covers NumFrames frames, so position g is centred at
// g*FeatStride + NumFrames/2 frames.
func (tb TimeBase) Seconds(g float64) float64 {
	if tb.IsZero() {
		return g
	}
	s := (g*tb.FeatStride + 0.5*tb.NumFrames) / tb.FPS
	if tb.Duration > 0 {
		s = max(0, min(s, tb.Duration))
	}
	return s
}

// Grid converts seconds back to a grid position. It is the inverse of Seconds
// before clamping.
func (tb TimeBase) Grid(seconds float64) float64 {
	if tb.IsZero() {
		return seconds
	}
	return (seconds*tb.FPS - 0.5*tb.NumFrames) / tb.FeatStride
}

// Sequence is a T x D feature matrix with a validity mask.
// A Sequence is treated as immutable once built.
type Sequence struct {
	Data *mat.Dense
	Mask []bool
	Time TimeBase
}

// NewSequence wraps rows of features. A nil mask marks every timestep valid.
func NewSequence(rows [][]float64, mask []bool, tb TimeBase) (*Sequence, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty feature sequence")
	}
	dim := len(rows[0])
	if dim == 0 {
		return nil, fmt.Errorf("feature dimension is zero")
	}

	data := mat.NewDense(len(rows), dim, nil)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), dim)
		}
		data.SetRow(i, row)
	}

	if mask == nil {
		mask = make([]bool, len(rows))
		for i := range mask {
			mask[i] = true
		}
	} else {
		if len(mask) != len(rows) {
			return nil, &errs.InputShapeError{Stage: "features", Field: "mask length", Want: len(rows), Got: len(mask)}
		}
		mask = slices.Clone(mask)
	}

	return &Sequence{Data: data, Mask: mask, Time: tb}, nil
}

// Len returns the number of timesteps
func (s *Sequence) Len() int {
	r, _ := s.Data.Dims()
	return r
}

// Dim returns the feature dimension
func (s *Sequence) Dim() int {
	_, c := s.Data.Dims()
	return c
}

// Valid returns the number of unmasked timesteps
func (s *Sequence) Valid() int {
	n := 0
	for _, m := range s.Mask {
		if m {
			n++
		}
	}
	return n
}

// Timestamp returns the time in seconds of grid position i
func (s *Sequence) Timestamp(i int) float64 {
	return s.Time.Seconds(float64(i))
}

// PadTo returns a copy extended with masked zero rows up to length n.
// The receiver is returned unchanged when it is already long enough.
func (s *Sequence) PadTo(n int) *Sequence {
	t, d := s.Data.Dims()
	if n <= t {
		return s
	}
	data := mat.NewDense(n, d, nil)
	data.Slice(0, t, 0, d).(*mat.Dense).Copy(s.Data)

	mask := make([]bool, n)
	copy(mask, s.Mask)

	return &Sequence{Data: data, Mask: mask, Time: s.Time}
}
