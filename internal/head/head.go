// Package head runs the shared per-level prediction head over pyramid levels.
package head

import (
	"fmt"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"gonum.org/v1/gonum/mat"
)

// Predictor produces raw per-timestep outputs for one pyramid level.
// Implementations must be safe for concurrent use.
type Predictor interface {
	Predict(level pyramid.Level) (*LevelPrediction, error)
	Branches() []segments.Branch
	NumClasses(b segments.Branch) int
}

// RawPrediction is the head output at a single timestep.
// Left and Right are non-negative distances in units of the level stride.
type RawPrediction struct {
	Logits          map[segments.Branch][]float64
	Left            float64
	Right           float64
	CentricityLogit float64
}

// LevelPrediction holds the head output for every timestep of one level
type LevelPrediction struct {
	Level  int
	Stride int
	// Logits maps each branch to a T x K matrix.
	Logits map[segments.Branch]*mat.Dense
	// Offsets is T x 2 (left, right).
	Offsets    *mat.Dense
	Centricity []float64
	Mask       []bool
}

// Len returns the number of timesteps
func (p *LevelPrediction) Len() int {
	return len(p.Mask)
}

// At returns the prediction at timestep i
func (p *LevelPrediction) At(i int) RawPrediction {
	raw := RawPrediction{
		Logits:          make(map[segments.Branch][]float64, len(p.Logits)),
		Left:            p.Offsets.At(i, 0),
		Right:           p.Offsets.At(i, 1),
		CentricityLogit: p.Centricity[i],
	}
	for b, m := range p.Logits {
		raw.Logits[b] = mat.Row(nil, i, m)
	}
	return raw
}

// Head is the native gonum implementation of Predictor: one regression
// module shared by all branches plus one classifier tower per branch.
type Head struct {
	params *model.Params
}

// New creates a head over validated parameters
func New(p *model.Params) (*Head, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &Head{params: p}, nil
}

// Branches returns the branches with a classifier
func (h *Head) Branches() []segments.Branch {
	return h.params.Branches()
}

// NumClasses returns the vocabulary size of a branch
func (h *Head) NumClasses(b segments.Branch) int {
	return h.params.NumClasses(b)
}

// Predict runs classification and regression over one level
func (h *Head) Predict(level pyramid.Level) (*LevelPrediction, error) {
	if level.Index >= len(h.params.Scales) {
		return nil, &errs.InputShapeError{Stage: "head", Field: "level index", Want: len(h.params.Scales) - 1, Got: level.Index}
	}

	pred := &LevelPrediction{
		Level:  level.Index,
		Stride: level.Stride,
		Logits: make(map[segments.Branch]*mat.Dense, len(h.params.Classifiers)),
		Mask:   level.Mask,
	}

	for b, tower := range h.params.Classifiers {
		x, err := runTower(tower.Layers, level.Features, level.Mask)
		if err != nil {
			return nil, fmt.Errorf("%s classifier: %w", b, err)
		}
		logits, err := tower.Out.Forward(x, level.Mask)
		if err != nil {
			return nil, fmt.Errorf("%s classifier: %w", b, err)
		}
		pred.Logits[b] = logits
	}

	reg := h.params.Regression
	x, err := runTower(reg.Layers, level.Features, level.Mask)
	if err != nil {
		return nil, fmt.Errorf("regression: %w", err)
	}

	offsets, err := reg.Offsets.Forward(x, level.Mask)
	if err != nil {
		return nil, fmt.Errorf("regression offsets: %w", err)
	}
	offsets.Scale(h.params.Scales[level.Index], offsets)
	model.ReLU(offsets)
	pred.Offsets = offsets

	ctr, err := reg.Centricity.Forward(x, level.Mask)
	if err != nil {
		return nil, fmt.Errorf("regression centricity: %w", err)
	}
	pred.Centricity = mat.Col(nil, 0, ctr)

	return pred, nil
}

func runTower(layers []model.Conv1D, x *mat.Dense, mask []bool) (*mat.Dense, error) {
	for i, c := range layers {
		out, err := c.Forward(x, mask)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		model.ReLU(out)
		x = out
	}
	return x, nil
}
