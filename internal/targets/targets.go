// Package targets encodes ground-truth segments into per-timestep training
// targets and provides the matching loss functions.
package targets

import (
	"fmt"
	"math"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
)

// Background marks a timestep with no label for a branch
const Background = -1

// CenterSample selects which timesteps inside a segment may be positive
type CenterSample string

const (
	// Radius keeps timesteps within Radius*stride of the segment centre.
	Radius CenterSample = "radius"
	// Inside keeps every timestep strictly inside the segment.
	Inside CenterSample = "none"
)

// Config controls target assignment
type Config struct {
	// RegressionRanges bounds max(left, right) per level in grid units.
	// Empty uses DefaultRanges.
	RegressionRanges [][2]float64 `yaml:"regression_ranges"`
	CenterSample     CenterSample `yaml:"center_sample"`
	CenterRadius     float64      `yaml:"center_radius"`
	// CentricitySigma is the Gaussian width over the normalised position.
	CentricitySigma float64 `yaml:"centricity_sigma"`
}

// DefaultConfig returns the target assignment defaults
func DefaultConfig() Config {
	return Config{
		CenterSample:    Radius,
		CenterRadius:    1.5,
		CentricitySigma: 0.5,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.CenterSample {
	case Radius:
		if c.CenterRadius <= 0 {
			return errs.Range("targets.center_radius", c.CenterRadius, "must be positive")
		}
	case Inside:
	default:
		return errs.Range("targets.center_sample", c.CenterSample, "must be radius or none")
	}
	if c.CentricitySigma <= 0 {
		return errs.Range("targets.centricity_sigma", c.CentricitySigma, "must be positive")
	}
	for i, r := range c.RegressionRanges {
		if r[0] < 0 || r[1] <= r[0] {
			return errs.Range(fmt.Sprintf("targets.regression_ranges[%d]", i), r, "must satisfy 0 <= min < max")
		}
	}
	return nil
}

// DefaultRanges returns [0,4], [4,8], [8,16], ... with the last level
// unbounded above.
func DefaultRanges(levels int) [][2]float64 {
	out := make([][2]float64, levels)
	for l := range out {
		lo := 0.0
		if l > 0 {
			lo = math.Exp2(float64(l + 1))
		}
		out[l] = [2]float64{lo, math.Exp2(float64(l + 2))}
	}
	if levels > 0 {
		out[levels-1][1] = math.Inf(1)
	}
	return out
}

// Annotation is a ground-truth segment [Start, End) in grid units
type Annotation struct {
	Start  float64
	End    float64
	Labels map[segments.Branch]int
}

// FromSeconds converts an annotation given in seconds to grid units
func FromSeconds(tb features.TimeBase, start, end float64, labels map[segments.Branch]int) (Annotation, error) {
	if !(end > start) {
		return Annotation{}, fmt.Errorf("annotation [%g, %g) is empty", start, end)
	}
	return Annotation{Start: tb.Grid(start), End: tb.Grid(end), Labels: labels}, nil
}

// Target is the training target for one timestep
type Target struct {
	Positive bool
	Labels   map[segments.Branch]int
	// Left and Right are distances to the boundaries in stride units.
	Left       float64
	Right      float64
	Centricity float64
}

// Label returns the class of a branch or Background
func (t Target) Label(b segments.Branch) int {
	if l, ok := t.Labels[b]; ok {
		return l
	}
	return Background
}

// Encode assigns every timestep of every level to at most one annotation.
// When several annotations qualify the shortest one wins.
func Encode(levels []pyramid.Level, anns []Annotation, cfg Config) ([][]Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, a := range anns {
		if !(a.End > a.Start) {
			return nil, fmt.Errorf("annotation %d: end %.3f must be after start %.3f", i, a.End, a.Start)
		}
	}

	ranges := cfg.RegressionRanges
	if len(ranges) == 0 {
		ranges = DefaultRanges(len(levels))
	}
	if len(ranges) < len(levels) {
		return nil, &errs.InputShapeError{Stage: "targets", Field: "regression ranges", Want: len(levels), Got: len(ranges)}
	}

	out := make([][]Target, len(levels))
	for l, level := range levels {
		stride := float64(level.Stride)
		out[l] = make([]Target, level.Len())
		for i := range out[l] {
			if !level.Mask[i] {
				continue
			}
			pos := float64(i) * stride
			out[l][i] = encodePoint(pos, stride, ranges[l], anns, cfg)
		}
	}
	return out, nil
}

func encodePoint(pos, stride float64, rng [2]float64, anns []Annotation, cfg Config) Target {
	var t Target

	if a, ok := shortest(anns, func(a Annotation) bool { return pos >= a.Start && pos <= a.End }); ok {
		t.Centricity = Centricity(pos, a.Start, a.End, cfg.CentricitySigma)
	}

	a, ok := shortest(anns, func(a Annotation) bool { return positive(pos, stride, rng, a, cfg) })
	if !ok {
		return t
	}
	t.Positive = true
	t.Labels = a.Labels
	t.Left = (pos - a.Start) / stride
	t.Right = (a.End - pos) / stride
	return t
}

func positive(pos, stride float64, rng [2]float64, a Annotation, cfg Config) bool {
	left, right := pos-a.Start, a.End-pos
	if left <= 0 || right <= 0 {
		return false
	}

	if cfg.CenterSample == Radius {
		centre := 0.5 * (a.Start + a.End)
		lo := max(centre-cfg.CenterRadius*stride, a.Start)
		hi := min(centre+cfg.CenterRadius*stride, a.End)
		if pos-lo <= 0 || hi-pos <= 0 {
			return false
		}
	}

	reach := max(left, right)
	return reach >= rng[0] && reach <= rng[1]
}

func shortest(anns []Annotation, keep func(Annotation) bool) (Annotation, bool) {
	var best Annotation
	found := false
	for _, a := range anns {
		if !keep(a) {
			continue
		}
		if !found || a.End-a.Start < best.End-best.Start {
			best = a
			found = true
		}
	}
	return best, found
}

// Centricity is a Gaussian of t's position relative to the segment centre,
// normalised so the boundaries sit at r = ±1. It is 1 at the centre and 0
// outside [start, end].
func Centricity(t, start, end, sigma float64) float64 {
	if !(end > start) || t < start || t > end {
		return 0
	}
	half := 0.5 * (end - start)
	r := (t - (start + half)) / half
	return math.Exp(-r * r / (2 * sigma * sigma))
}
